// Package transport contains the HTTP router, middleware chain, and request
// handlers for the activation API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:    http.StatusConflict,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrBackendUnavailable:   http.StatusServiceUnavailable,
	model.ErrBackendTimeout:       http.StatusGatewayTimeout,
	model.ErrDependentSaveFailed:  http.StatusBadGateway,
	model.ErrConsentFailed:        http.StatusBadGateway,
	model.ErrCheckoutCreateFailed: http.StatusBadGateway,
	model.ErrCheckoutVerifyFailed: http.StatusBadGateway,
	model.ErrDeploymentFailed:     http.StatusBadGateway,
	model.ErrAccessDenied:         http.StatusForbidden,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope with the matching HTTP status.
// Errors without an envelope in their chain are logged and reported as a
// generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, status := envelopeFor(r, err)
	WriteJSON(w, status, errorResponse{Error: ee})
}

// envelopeFor resolves err to a copy of its envelope stamped with the trace
// id, and the HTTP status for its code.
func envelopeFor(r *http.Request, err error) (*model.ErrorEnvelope, int) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.RequestLogger(r.Context(), zap.L()).Error("transport: unhandled error", zap.Error(err))
		ee = model.NewInternalError()
	}

	c := *ee
	c.TraceID = observability.TraceIDFromContext(r.Context())
	if c.TraceID == "" {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			c.TraceID = rctx.CorrelationID
		}
	}

	status := statusForCode[c.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &c, status
}
