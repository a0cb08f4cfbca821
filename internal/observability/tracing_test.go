package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unsupported", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "activator-test", "0.0.0")
			if (err != nil) != tt.wantErr {
				t.Fatalf("InitTracing() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if err := shutdown(context.Background()); err != nil {
					t.Errorf("shutdown() error = %v", err)
				}
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "root:TraceIDRatioBased{0.1}"},
		{0.5, "root:TraceIDRatioBased{0.5}"},
		{1, "root:AlwaysOnSampler"},
		{3, "root:AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("rate %v: Description() = %q, want ParentBased around %s", tt.rate, desc, tt.want)
		}
	}
}

func TestStartSpan_carriesAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "wizard.next",
		AttrStep.Int(3),
		AttrTenantID.String("acme"),
	)
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the new span")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["activator.step"] != "3" {
		t.Errorf("activator.step = %q", attrs["activator.step"])
	}
	if attrs["activator.tenant_id"] != "acme" {
		t.Errorf("activator.tenant_id = %q", attrs["activator.tenant_id"])
	}
}

func TestStartSpan_nestsUnderParent(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "wizard.confirm_deployment")
	_, child := StartSpan(ctx, "backend.invoke", AttrServiceID.String("provisioning"))
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("child should share the parent trace id")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent id should be the parent span id")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "checkout.verify")
	EndSpanWithError(failed, errors.New("session expired"))
	_, ok := StartSpan(context.Background(), "checkout.create")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "session expired" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error should be recorded as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("nil error must not mark the span failed")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext() = %q", got)
	}
}

func TestTracingMiddleware_serverSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/activation/next", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /v1/activation/next" {
		t.Errorf("name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.response.status_code"] != "202" {
		t.Errorf("status attr = %q, want 202", attrs["http.response.status_code"])
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should carry a traceparent header")
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/activation", nil))

	if got := exporter.GetSpans()[0].Status.Code; got != codes.Error {
		t.Errorf("status = %v, want Error", got)
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	const parentID = "b7ad6b7169203331"

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/v1/activation", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentID+"-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	s := exporter.GetSpans()[0]
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace id = %s, want %s", s.SpanContext.TraceID(), traceID)
	}
	if s.Parent.SpanID().String() != parentID {
		t.Errorf("parent id = %s, want %s", s.Parent.SpanID(), parentID)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "backend.invoke")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("Traceparent header not injected")
	}
}

func TestEndSpanWithError_tagsEnvelope(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "wizard.confirm_deployment")
	EndSpanWithError(span, model.NewDeploymentError("provisioning rejected the request"))

	attrs := spanAttrMap(exporter.GetSpans()[0])
	if attrs["activator.error_code"] != model.ErrDeploymentFailed {
		t.Errorf("error_code = %q", attrs["activator.error_code"])
	}
	if attrs["activator.retryable"] != "true" {
		t.Errorf("retryable = %q, want true", attrs["activator.retryable"])
	}
}
