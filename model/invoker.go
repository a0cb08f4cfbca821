package model

import (
	"context"
	"encoding/json"
	"slices"
)

// OperationInvoker calls one operation of a backend service's OpenAPI
// document on behalf of the caller in rctx.
type OperationInvoker interface {
	Invoke(ctx context.Context, rctx *RequestContext, binding OperationBinding, input InvocationInput) (InvocationResult, error)
}

// OperationBinding addresses a backend operation by service and operation ID.
type OperationBinding struct {
	ServiceID   string
	OperationID string
}

func (b OperationBinding) String() string {
	return b.ServiceID + "/" + b.OperationID
}

// InvocationInput carries the request parts for one backend call. Body is
// JSON-encoded and validated against the operation's request schema.
type InvocationInput struct {
	PathParams  map[string]string
	QueryParams map[string]string
	Headers     map[string]string
	Body        any
}

// InvocationResult is a backend answer of any status. Body is the decoded
// JSON document and Raw its original bytes; both are empty for non-JSON
// responses.
type InvocationResult struct {
	StatusCode int
	Body       any
	Raw        json.RawMessage
	Headers    map[string]string
}

func (r InvocationResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Accepted reports a 2xx status or one of the listed statuses, such as a
// 404 that means "nothing recorded yet".
func (r InvocationResult) Accepted(statuses ...int) bool {
	return r.OK() || slices.Contains(statuses, r.StatusCode)
}

// Decode unmarshals the raw body into out. An empty body leaves out
// untouched.
func (r InvocationResult) Decode(out any) error {
	if out == nil || len(r.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.Raw, out)
}
