// Package invoker executes backend operations resolved from OpenAPI
// documents over HTTP, with per-service circuit breakers and retries.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/model"
)

const maxResponseBytes = 10 << 20

type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// HTTPInvoker builds and executes HTTP requests against backend services
// from indexed OpenAPI operations. It implements model.OperationInvoker.
type HTTPInvoker struct {
	index   *openapi.Index
	clients map[string]*serviceClient
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithLogger sets the invoker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(inv *HTTPInvoker) { inv.logger = l }
}

// WithMetrics enables backend request, retry and breaker metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(inv *HTTPInvoker) { inv.metrics = m }
}

// NewHTTPInvoker creates an invoker with one HTTP client and circuit breaker
// per configured service.
func NewHTTPInvoker(idx *openapi.Index, services map[string]config.ServiceConfig, opts ...Option) *HTTPInvoker {
	inv := &HTTPInvoker{
		index:   idx,
		clients: make(map[string]*serviceClient, len(services)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	for id, svcCfg := range services {
		timeout := svcCfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		serviceID := id
		breaker := NewCircuitBreaker(svcCfg.CircuitBreaker, WithStateHook(func(s BreakerState) {
			inv.metrics.SetBackendCircuitBreakerState(serviceID, s.gauge())
			inv.logger.Warn("invoker: circuit breaker state changed",
				zap.String("service_id", serviceID),
				zap.Stringer("state", s),
			)
		}))
		inv.clients[id] = &serviceClient{
			id:  id,
			cfg: svcCfg,
			client: &http.Client{
				Timeout: timeout,
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxConnsPerHost:     50,
					IdleConnTimeout:     90 * time.Second,
					TLSHandshakeTimeout: 10 * time.Second,
				},
			},
			breaker: breaker,
		}
		inv.metrics.SetBackendCircuitBreakerState(id, BreakerClosed.gauge())
		inv.metrics.SetOpenAPIOperationsIndexed(id, float64(len(idx.AllOperationIDs(id))))
	}
	return inv
}

// BreakerState reports the breaker state of a configured service.
func (inv *HTTPInvoker) BreakerState(serviceID string) (BreakerState, bool) {
	svc, ok := inv.clients[serviceID]
	if !ok {
		return BreakerClosed, false
	}
	return svc.breaker.State(), true
}

// BreakerStates reports every configured service's breaker state by name.
func (inv *HTTPInvoker) BreakerStates() map[string]string {
	out := make(map[string]string, len(inv.clients))
	for id, svc := range inv.clients {
		out[id] = svc.breaker.State().String()
	}
	return out
}

// Invoke resolves the operation, checks the body against its request
// schema and sends it. Backend answers of any status come back as results;
// only failures to get an answer are errors, mapped to BACKEND_UNAVAILABLE
// or BACKEND_TIMEOUT.
func (inv *HTTPInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (result model.InvocationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "backend.invoke",
		observability.AttrServiceID.String(binding.ServiceID),
		observability.AttrOperationID.String(binding.OperationID),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))
		}
		observability.EndSpanWithError(span, err)
	}()

	c, err := inv.prepare(rctx, binding, input)
	if err != nil {
		return model.InvocationResult{}, err
	}
	observability.InjectTraceHeaders(ctx, c.headers)
	return inv.run(ctx, c)
}

// call is a resolved backend request, replayed unchanged on every attempt.
type call struct {
	svc     *serviceClient
	op      openapi.IndexedOperation
	url     string
	headers http.Header
	body    []byte
}

// attempts is how many times the call may be sent. Only idempotent methods
// are retried.
func (c *call) attempts() int {
	if !isIdempotentMethod(c.op.Method) {
		return 1
	}
	return max(c.svc.cfg.Retry.MaxAttempts, 1)
}

func (inv *HTTPInvoker) prepare(
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (*call, error) {
	op, ok := inv.index.GetOperation(binding.ServiceID, binding.OperationID)
	if !ok {
		return nil, fmt.Errorf("invoker: %s: operation not in OpenAPI index", binding)
	}
	svc, ok := inv.clients[binding.ServiceID]
	if !ok {
		return nil, fmt.Errorf("invoker: %s: service %q not configured", binding, binding.ServiceID)
	}

	c := &call{svc: svc, op: op, headers: buildRequestHeaders(rctx, input, op.Method)}
	if input.Body != nil {
		var err error
		if c.body, err = json.Marshal(input.Body); err != nil {
			return nil, fmt.Errorf("invoker: %s: encode body: %w", binding, err)
		}
	}
	if err := inv.checkSchema(op, c.body); err != nil {
		return nil, err
	}

	u, err := resolveURL(op, input)
	if err != nil {
		return nil, err
	}
	c.url = u
	return c, nil
}

// checkSchema rejects a body that does not satisfy the operation's request
// schema, before anything is sent.
func (inv *HTTPInvoker) checkSchema(op openapi.IndexedOperation, body []byte) error {
	if op.RequestBody == nil {
		return nil
	}
	var doc any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("invoker: %s/%s: decode body: %w", op.ServiceID, op.OperationID, err)
		}
	}
	violations := inv.index.ValidateRequest(op.ServiceID, op.OperationID, doc)
	if len(violations) == 0 {
		return nil
	}

	details := make([]model.FieldError, len(violations))
	for i, v := range violations {
		details[i] = model.FieldError{Field: v.Field, Code: "SCHEMA", Message: v.Message}
	}
	inv.logger.Warn("invoker: body fails request schema",
		zap.String("service_id", op.ServiceID),
		zap.String("operation_id", op.OperationID),
		zap.Int("violations", len(details)),
	)
	return model.NewValidationError(details)
}

// run sends c until it gets a final answer. A retryable status on the last
// attempt is returned as the result.
func (inv *HTTPInvoker) run(ctx context.Context, c *call) (model.InvocationResult, error) {
	limit := c.attempts()
	for attempt := 1; ; attempt++ {
		result, err := inv.send(ctx, c)

		retry := attempt < limit
		switch {
		case err != nil:
			retry = retry && isRetryableError(err)
		default:
			retry = retry && isRetryableStatus(result.StatusCode)
		}
		if !retry {
			return result, err
		}

		inv.logger.Debug("invoker: retrying",
			zap.String("service_id", c.svc.id),
			zap.String("operation_id", c.op.OperationID),
			zap.Int("attempt", attempt),
			zap.Int("status", result.StatusCode),
			zap.Error(err),
		)
		inv.metrics.RecordBackendRetry(c.svc.id)

		timer := time.NewTimer(calculateBackoff(c.svc.cfg.Retry, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.InvocationResult{}, model.NewBackendTimeoutError()
		case <-timer.C:
		}
	}
}

// send makes one attempt and feeds its outcome to the service's breaker.
// 4xx answers leave the breaker untouched.
func (inv *HTTPInvoker) send(ctx context.Context, c *call) (model.InvocationResult, error) {
	if err := c.svc.breaker.Allow(); err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: %s: %w: %w", c.svc.id, err, model.NewBackendUnavailableError())
	}

	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.op.Method, c.url, body)
	if err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = c.headers.Clone()

	start := time.Now()
	resp, err := c.svc.client.Do(req)
	if err != nil {
		c.svc.breaker.RecordFailure()
		inv.metrics.RecordBackendRequest(c.svc.id, c.op.OperationID, 0, time.Since(start))
		inv.logger.Warn("invoker: backend unreachable",
			zap.String("service_id", c.svc.id),
			zap.String("operation_id", c.op.OperationID),
			zap.Error(err),
		)
		return model.InvocationResult{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	inv.metrics.RecordBackendRequest(c.svc.id, c.op.OperationID, resp.StatusCode, time.Since(start))
	if err != nil {
		c.svc.breaker.RecordFailure()
		return model.InvocationResult{}, fmt.Errorf("invoker: %s: read response: %w: %w",
			c.svc.id, err, model.NewBackendUnavailableError())
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		c.svc.breaker.RecordFailure()
	case resp.StatusCode < http.StatusBadRequest:
		c.svc.breaker.RecordSuccess()
	}

	result := model.InvocationResult{StatusCode: resp.StatusCode, Headers: keptResponseHeaders(resp.Header)}
	if len(raw) > 0 && json.Valid(raw) {
		result.Raw = json.RawMessage(raw)
		_ = json.Unmarshal(raw, &result.Body)
	}
	return result, nil
}

// transportError maps a failure to get any answer onto the error envelope.
// A spent deadline is a timeout; everything else means the backend could
// not be reached.
func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("invoker: %w: %w", err, model.NewBackendTimeoutError())
	}
	return fmt.Errorf("invoker: %w: %w", err, model.NewBackendUnavailableError())
}

func resolveURL(op openapi.IndexedOperation, input model.InvocationInput) (string, error) {
	path := op.PathTemplate
	for name, value := range input.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	if strings.ContainsRune(path, '{') {
		return "", fmt.Errorf("invoker: %s/%s: unresolved path parameter in %q", op.ServiceID, op.OperationID, path)
	}

	u := strings.TrimRight(op.BaseURL, "/") + path
	if len(input.QueryParams) == 0 {
		return u, nil
	}
	q := make(url.Values, len(input.QueryParams))
	for k, v := range input.QueryParams {
		q.Set(k, v)
	}
	return u + "?" + q.Encode(), nil
}

var headerValueCleaner = strings.NewReplacer("\r", "", "\n", "")

// buildRequestHeaders carries the caller's identity and correlation ID to
// the backend. CR and LF are stripped from every value.
func buildRequestHeaders(rctx *model.RequestContext, input model.InvocationInput, method string) http.Header {
	clean := headerValueCleaner.Replace
	h := http.Header{"Accept": {"application/json"}}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+clean(rctx.Token))
		}
		h.Set("X-Tenant-Id", clean(rctx.TenantID))
		h.Set("X-Request-Subject", clean(rctx.SubjectID))
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", clean(rctx.CorrelationID))
		}
	}
	for k, v := range input.Headers {
		h.Set(clean(k), clean(v))
	}
	return h
}

var keptHeaders = []string{"Content-Type", "X-Correlation-Id", "X-Request-Id", "Retry-After", "Idempotent-Replayed"}

func keptResponseHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(keptHeaders))
	for _, k := range keptHeaders {
		if v := src.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a failed attempt may be sent again. An
// open breaker and a timeout are final.
func isRetryableError(err error) bool {
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	ee, ok := model.AsEnvelope(err)
	return !ok || ee.Code == model.ErrBackendUnavailable
}

// calculateBackoff is the wait before retry number attempt: the initial
// delay grown by the multiplier per attempt, capped at the maximum.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial, maxDelay, factor := cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if factor <= 0 {
		factor = 2
	}

	delay := float64(initial)
	for range attempt - 1 {
		delay *= factor
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	return time.Duration(delay)
}
