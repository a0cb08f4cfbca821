package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Set at build time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /readyz body. Backends lists each dependent
// service's circuit breaker; an open breaker degrades the report but does
// not fail readiness, since activation still serves cached sessions.
type ReadinessResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks"`
	Backends map[string]string      `json:"backends,omitempty"`
	Degraded []string               `json:"degraded,omitempty"`
}

// CheckResult is one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the session and idempotency stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks wires the activator's dependencies into /readyz. The
// OpenAPI index is always probed; nil stores are skipped.
type ReadinessChecks struct {
	OpenAPILoaded func() bool

	Store            HealthChecker
	IdempotencyStore HealthChecker

	// Backends returns breaker states keyed by service ID.
	Backends func() map[string]string
}

const (
	checkTimeout = 2 * time.Second

	statusOK       = "ok"
	statusError    = "error"
	statusReady    = "ready"
	statusNotReady = "not_ready"
	statusDegraded = "degraded"
)

var errNoSpecs = errors.New("no OpenAPI specs loaded")

type probe struct {
	name  string
	check HealthChecker
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func (c ReadinessChecks) probes() []probe {
	loaded := c.OpenAPILoaded
	probes := []probe{{
		name: "openapi_index",
		check: checkFunc(func(context.Context) error {
			if loaded == nil || !loaded() {
				return errNoSpecs
			}
			return nil
		}),
	}}
	if c.Store != nil {
		probes = append(probes, probe{name: "session_store", check: c.Store})
	}
	if c.IdempotencyStore != nil {
		probes = append(probes, probe{name: "idempotency_store", check: c.IdempotencyStore})
	}
	return probes
}

// HandleHealth answers liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: statusOK, Version: Version, Commit: Commit})
	}
}

// HandleReady probes every dependency concurrently, each bounded by
// checkTimeout, and answers 503 when any probe fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, p := range probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), p.check)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: statusReady, Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != statusOK {
				resp.Status = statusNotReady
				code = http.StatusServiceUnavailable
				break
			}
		}

		if checks.Backends != nil {
			resp.Backends = checks.Backends()
			for id, state := range resp.Backends {
				if state != "closed" {
					resp.Degraded = append(resp.Degraded, id)
				}
			}
			sort.Strings(resp.Degraded)
			if len(resp.Degraded) > 0 && code == http.StatusOK {
				resp.Status = statusDegraded
			}
		}

		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: statusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = statusError
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
