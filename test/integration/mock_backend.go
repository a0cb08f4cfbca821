package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/activator/internal/openapi"
)

// MockBackend plays one backend service. Its routes are the operations of
// the service's OpenAPI document; each operation answers from a script of
// canned responses and records what it received.
type MockBackend struct {
	serviceID string
	router    chi.Router
	server    *httptest.Server

	mu       sync.Mutex
	scripts  map[string]*script
	received map[string][]*RecordedRequest
}

// RecordedRequest is one call seen by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type cannedResponse struct {
	status   int
	body     any
	delay    time.Duration
	dropConn bool
}

// script plays its responses in order and then keeps repeating the last.
type script struct {
	steps []cannedResponse
	next  int
}

func (s *script) advance() (cannedResponse, bool) {
	if len(s.steps) == 0 {
		return cannedResponse{}, false
	}
	i := min(s.next, len(s.steps)-1)
	if s.next < len(s.steps) {
		s.next++
	}
	return s.steps[i], true
}

func newMockBackend(t *testing.T, serviceID string) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		serviceID: serviceID,
		router:    chi.NewRouter(),
		scripts:   map[string]*script{},
		received:  map[string][]*RecordedRequest{},
	}
	mb.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusNotFound, map[string]string{
			"error": "mock " + serviceID + ": no operation for " + r.Method + " " + r.URL.Path,
		})
	})
	mb.server = httptest.NewServer(mb.router)
	t.Cleanup(mb.server.Close)
	return mb
}

// mount routes every operation the index holds for this service.
func (mb *MockBackend) mount(idx *openapi.Index) {
	for _, opID := range idx.AllOperationIDs(mb.serviceID) {
		op, _ := idx.GetOperation(mb.serviceID, opID)
		mb.router.Method(op.Method, op.PathTemplate, mb.serve(opID))
	}
}

func (mb *MockBackend) URL() string { return mb.server.URL }

// OperationMock scripts the responses of one operation.
type OperationMock struct {
	mb   *MockBackend
	opID string
}

func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{mb: mb, opID: operationID}
}

func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(cannedResponse{status: status, body: body})
}

// RespondWithError answers with the {"error": {code, message}} body the
// backends use.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	return om.then(cannedResponse{
		status: status,
		body:   map[string]any{"error": map[string]any{"code": code, "message": message}},
	})
}

func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(cannedResponse{status: status, body: body, delay: delay})
}

// RespondWithConnectionError closes the connection without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(cannedResponse{dropConn: true})
}

func (om *OperationMock) then(resp cannedResponse) *OperationMock {
	om.mb.mu.Lock()
	defer om.mb.mu.Unlock()
	s := om.mb.scripts[om.opID]
	if s == nil {
		s = &script{}
		om.mb.scripts[om.opID] = s
	}
	s.steps = append(s.steps, resp)
	return om
}

// serve answers opID. An operation without a script answers 200 {}.
func (mb *MockBackend) serve(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}

		mb.mu.Lock()
		mb.received[opID] = append(mb.received[opID], rec)
		var resp cannedResponse
		ok := false
		if s := mb.scripts[opID]; s != nil {
			resp, ok = s.advance()
		}
		mb.mu.Unlock()

		switch {
		case !ok:
			writeMockJSON(w, http.StatusOK, map[string]any{})
		case resp.dropConn:
			if hj, isHijacker := w.(http.Hijacker); isHijacker {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
		default:
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			writeMockJSON(w, resp.status, resp.body)
		}
	}
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (mb *MockBackend) CallCount(operationID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.received[operationID])
}

func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, want int) {
	t.Helper()
	if got := mb.CallCount(operationID); got != want {
		t.Errorf("%s.%s called %d times, want %d", mb.serviceID, operationID, got, want)
	}
}

func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the most recent call to the operation, or nil.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if reqs := mb.received[operationID]; len(reqs) > 0 {
		return reqs[len(reqs)-1]
	}
	return nil
}

// ResetOperation forgets the operation's script and recorded calls.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, operationID)
	delete(mb.received, operationID)
}
