package model

import (
	"errors"
	"fmt"
)

// Error codes carried by ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	ErrDependentSaveFailed  = "DEPENDENT_SAVE_FAILED"
	ErrConsentFailed        = "CONSENT_FAILED"
	ErrCheckoutCreateFailed = "CHECKOUT_CREATE_FAILED"
	ErrCheckoutVerifyFailed = "CHECKOUT_VERIFY_FAILED"
	ErrDeploymentFailed     = "DEPLOYMENT_FAILED"
	ErrAccessDenied         = "ACCESS_DENIED"
)

// retryableCodes are the failures a caller may resend unchanged. Deployment
// is listed because a new confirmation makes the retry safe.
var retryableCodes = map[string]bool{
	ErrBackendUnavailable:   true,
	ErrBackendTimeout:       true,
	ErrDependentSaveFailed:  true,
	ErrConsentFailed:        true,
	ErrCheckoutCreateFailed: true,
	ErrCheckoutVerifyFailed: true,
	ErrDeploymentFailed:     true,
}

// ErrorEnvelope is the error body of the activation API, and the error
// value passed up from the wizard and the invoker.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Step      Step         `json:"step,omitempty"`
	Retryable bool         `json:"retryable"`
	TraceID   string       `json:"trace_id,omitempty"`
}

func newEnvelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg, Retryable: retryableCodes[code]}
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any envelope with the same code, so
// errors.Is(err, NewBackendTimeoutError()) holds through wrapping.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// AtStep returns a copy attached to step.
func (e *ErrorEnvelope) AtStep(step Step) *ErrorEnvelope {
	c := *e
	c.Step = step
	return &c
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope finds the first envelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

func NewBadRequestError(msg string) *ErrorEnvelope { return newEnvelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newEnvelope(ErrUnauthorized, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope { return newEnvelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope { return newEnvelope(ErrConflict, msg) }

// NewValidationError reports field-level problems under one message.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newEnvelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInvalidTransitionError rejects a step move the session is not ready for.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrInvalidTransition, msg)
}

func NewInternalError() *ErrorEnvelope {
	return newEnvelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return newEnvelope(ErrBackendUnavailable, "The backend service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return newEnvelope(ErrBackendTimeout, "The backend service did not respond in time")
}

// NewDependentSaveError reports a failed save that a transition depended
// on. The transition may be retried as-is.
func NewDependentSaveError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrDependentSaveFailed, msg)
}

func NewConsentError(msg string) *ErrorEnvelope { return newEnvelope(ErrConsentFailed, msg) }

func NewCheckoutCreateError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrCheckoutCreateFailed, msg)
}

func NewCheckoutVerifyError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrCheckoutVerifyFailed, msg)
}

// NewDeploymentError reports a failed provisioning call. Retrying needs a
// fresh explicit confirmation.
func NewDeploymentError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrDeploymentFailed, msg)
}

// NewAccessDeniedError is terminal for the session.
func NewAccessDeniedError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrAccessDenied, msg)
}
