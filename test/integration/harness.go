// Package integration runs the activation API end to end: a real router,
// wizard and HTTP invoker in front of mock backend services, with tokens
// signed by a local JWKS issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/idempotency"
	"github.com/pitabwire/activator/internal/invoker"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/internal/store"
	"github.com/pitabwire/activator/internal/transport"
	"github.com/pitabwire/activator/internal/wizard"
	"github.com/pitabwire/activator/model"
)

var mockedServices = []string{config.ServiceProfiles, config.ServiceBilling, config.ServiceProvisioning}

// TestHarness is a fully wired activation server with one mock backend per
// service.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Sessions *store.MemoryStore
	Invoker  *invoker.HTTPInvoker
	Wizard   *wizard.Wizard

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption adjusts the configuration before the server is built.
type HarnessOption func(*config.Config)

// WithService replaces the timeout, retry and breaker settings of one
// service. The base URL is always the mock's.
func WithService(serviceID string, svc config.ServiceConfig) HarnessOption {
	return func(cfg *config.Config) { cfg.Services[serviceID] = svc }
}

// WithWizard adjusts the wizard configuration.
func WithWizard(fn func(*config.WizardConfig)) HarnessOption {
	return func(cfg *config.Config) { fn(&cfg.Wizard) }
}

// NewTestHarness starts the server. Backends answer the reads made on every
// mount with "nothing recorded yet" until a test configures otherwise.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	issuer := newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.issuer
	cfg.Identity.Audience = issuer.audience
	cfg.Identity.JWKSURL = issuer.jwksServer.URL
	cfg.Wizard.ReturnURL = "https://app.test/activate"
	cfg.Wizard.UpgradeURL = "https://app.test/upgrade"
	cfg.Services = map[string]config.ServiceConfig{
		config.ServiceProfiles:     {Timeout: 2 * time.Second},
		config.ServiceBilling:      {Timeout: 2 * time.Second},
		config.ServiceProvisioning: {Timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &TestHarness{
		t:        t,
		issuer:   issuer,
		backends: make(map[string]*MockBackend, len(mockedServices)),
		cfg:      cfg,
	}

	var sources []openapi.SpecSource
	for _, serviceID := range mockedServices {
		mb := newMockBackend(t, serviceID)
		h.backends[serviceID] = mb

		svc := cfg.Services[serviceID]
		svc.BaseURL = mb.URL()
		cfg.Services[serviceID] = svc
		sources = append(sources, openapi.SpecSource{
			ServiceID: serviceID,
			BaseURL:   mb.URL(),
			SpecPath:  filepath.Join(specsDir(), serviceID+".yaml"),
		})
	}

	h.Profiles().OnOperation(backend.OpGetProfile).RespondWith(http.StatusNotFound, map[string]any{"error": "profile not found"})
	h.Billing().OnOperation(backend.OpGetSubscriptionStatus).RespondWith(http.StatusNotFound, map[string]any{"error": "no subscription"})
	h.Provisioning().OnOperation(backend.OpCountResources).RespondWith(http.StatusOK, map[string]any{"count": 0})

	idx := openapi.NewIndex()
	if err := idx.Load(sources); err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}
	for _, mb := range h.backends {
		mb.mount(idx)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h.Sessions = store.NewMemoryStore()
	idem := idempotency.NewMemoryStore(time.Minute)

	h.Invoker = invoker.NewHTTPInvoker(idx, cfg.Services,
		invoker.WithLogger(logger),
		invoker.WithMetrics(metrics),
	)
	h.Wizard = wizard.New(
		h.Sessions,
		backend.NewProfiles(h.Invoker),
		backend.NewBilling(h.Invoker),
		backend.NewProvisioning(h.Invoker),
		cfg.Wizard,
		wizard.WithLogger(logger),
		wizard.WithMetrics(metrics),
		wizard.WithIdempotencyStore(idem, cfg.Idempotency.TTL),
		wizard.WithSchema(idx),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Service:      h.Wizard,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			OpenAPILoaded:    idx.Loaded,
			Store:            h.Sessions,
			IdempotencyStore: idem,
			Backends:         h.Invoker.BreakerStates,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func specsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "specs")
}

// Profiles returns the profile store mock.
func (h *TestHarness) Profiles() *MockBackend { return h.backends[config.ServiceProfiles] }

// Billing returns the billing mock.
func (h *TestHarness) Billing() *MockBackend { return h.backends[config.ServiceBilling] }

// Provisioning returns the provisioning mock.
func (h *TestHarness) Provisioning() *MockBackend { return h.backends[config.ServiceProvisioning] }

// GenerateToken creates a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a token that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, path, body, token)
}

// Do sends a request to the server. A nil body sends no body.
func (h *TestHarness) Do(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	data := h.ReadBody(resp)
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, data)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// AssertError checks the status and returns the error envelope, read from
// either a bare error response or a view's error field.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int) *model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error == nil {
		t.Fatalf("response carries no error envelope")
	}
	return body.Error
}

// OwnerClaims are the claims of the default caller.
func OwnerClaims() TestClaims {
	return TestClaims{SubjectID: "user-1", TenantID: "acme"}
}

// completeFields is a patch that satisfies every step guard and the
// provisioning schema.
func completeFields() map[string]any {
	return map[string]any{
		"business_name": "Acme Plumbing",
		"area_code":     "415",
		"industry":      "plumbing",
		"tone":          "friendly",
		"schedule": map[string]any{
			"mon": map[string]any{"open": "08:00", "close": "17:00"},
			"tue": map[string]any{"open": "08:00", "close": "17:00"},
		},
		"service_fee":            "$89",
		"emergency_fee":          "$149",
		"transfer_number":        "+14155550100",
		"dispatch_base_location": "Oakland, CA",
		"travel_limit_value":     25,
		"travel_limit_mode":      "miles",
	}
}
