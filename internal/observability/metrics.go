package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "activator"

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds the Prometheus instruments for the activation service.
// All Record and Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	StepTransitionsTotal *prometheus.CounterVec
	GuardFailuresTotal   *prometheus.CounterVec
	AccessDecisionsTotal *prometheus.CounterVec
	ConsentTotal         *prometheus.CounterVec
	CheckoutTotal        *prometheus.CounterVec
	DeploymentsTotal     *prometheus.CounterVec
	DeploymentDuration   prometheus.Histogram
	ActivationsTotal     prometheus.Counter

	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates every instrument and registers it with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		HTTPRequestsTotal:     counter("http_requests_total", "API requests by route and status.", "method", "path_pattern", "status"),
		HTTPRequestDuration:   histogram("http_request_duration_seconds", "API request latency.", httpDurationBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes:  histogram("http_request_size_bytes", "API request body size.", bodySizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogram("http_response_size_bytes", "API response body size.", bodySizeBuckets, "method", "path_pattern"),

		StepTransitionsTotal: counter("step_transitions_total", "Wizard step changes by origin, destination and direction.", "from", "to", "direction"),
		GuardFailuresTotal:   counter("guard_failures_total", "Forward moves refused by a step guard, by failing field.", "step", "field"),
		AccessDecisionsTotal: counter("access_decisions_total", "Entry gate outcomes.", "decision", "reason"),
		ConsentTotal:         counter("consent_total", "Consent acceptances and withdrawals.", "action", "outcome"),
		CheckoutTotal:        counter("checkout_total", "Checkout creation, verification and returns.", "stage", "outcome"),
		DeploymentsTotal:     counter("deployments_total", "Provisioning attempts by outcome.", "outcome"),
		DeploymentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Provisioning call latency.",
			Buckets:   backendDurationBuckets,
		}),
		ActivationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activations that reached the success step.",
		}),

		BackendRequestsTotal:       counter("backend_requests_total", "Backend calls by operation and status.", "service_id", "operation_id", "status"),
		BackendRequestDuration:     histogram("backend_request_duration_seconds", "Backend call latency.", backendDurationBuckets, "service_id"),
		BackendCircuitBreakerState: gauge("backend_circuit_breaker_state", "Breaker state per service (0 closed, 1 half-open, 2 open).", "service_id"),
		BackendRetriesTotal:        counter("backend_retries_total", "Retried backend calls.", "service_id"),

		OpenAPIOperationsIndexed: gauge("openapi_operations_indexed", "Operations indexed per backend document.", "service_id"),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a step change. direction is "forward", "back",
// "reset" or "reconcile".
func (m *Metrics) RecordTransition(from, to, direction string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(from, to, direction).Inc()
}

// RecordGuardFailure records a rejected forward transition.
func (m *Metrics) RecordGuardFailure(step, field string) {
	if m == nil {
		return
	}
	m.GuardFailuresTotal.WithLabelValues(step, field).Inc()
}

// RecordAccessDecision records the outcome of the entry gate.
func (m *Metrics) RecordAccessDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.AccessDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordConsent records a consent action.
func (m *Metrics) RecordConsent(action, outcome string) {
	if m == nil {
		return
	}
	m.ConsentTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCheckout records a checkout stage ("create", "verify", "return").
func (m *Metrics) RecordCheckout(stage, outcome string) {
	if m == nil {
		return
	}
	m.CheckoutTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordDeployment records a provisioning attempt.
func (m *Metrics) RecordDeployment(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(outcome).Inc()
	m.DeploymentDuration.Observe(duration.Seconds())
	if outcome == "succeeded" {
		m.ActivationsTotal.Inc()
	}
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the breaker gauge for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// SetOpenAPIOperationsIndexed sets the number of indexed operations for a service.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// MetricsMiddleware records one observation per API request, labelled
// with chi's route pattern so path parameters do not multiply series.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler serves the default registry, where serve registers Metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern is chi's matched pattern, or the raw path outside a chi
// router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
