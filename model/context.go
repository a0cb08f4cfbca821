package model

import (
	"context"
	"errors"
	"slices"
)

// Identity errors reported by RequestContext.Validate.
var (
	ErrNoSubject = errors.New("request context: subject is required")
	ErrNoTenant  = errors.New("request context: tenant is required")
)

// RequestContext is the authenticated caller of one activation request.
// The pair (TenantID, SubjectID) owns exactly one activation session. Token
// is the caller's bearer token, forwarded verbatim to backend services.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Email         string
	Roles         []string
	Token         string
	CorrelationID string
	TraceID       string
}

func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, ErrNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, ErrNoTenant)
	}
	return errors.Join(errs...)
}

func (rc *RequestContext) HasRole(role string) bool {
	return role != "" && slices.Contains(rc.Roles, role)
}

// Namespace keys the caller's session, staged fields and deployment
// confirmations in every store.
func (rc *RequestContext) Namespace() string {
	return "activator:" + rc.TenantID + ":" + rc.SubjectID
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller attached by the transport layer, or
// nil outside an authenticated request.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
