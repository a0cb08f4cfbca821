// Package backend provides typed clients for the profile store, billing and
// provisioning services. Each client resolves its calls by operation ID and
// delegates execution to a model.OperationInvoker.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pitabwire/activator/model"
)

// Operation IDs, as declared in the backend OpenAPI documents.
const (
	OpGetProfile              = "getProfile"
	OpUpsertProfile           = "upsertProfile"
	OpCreateConsentAcceptance = "createConsentAcceptance"
	OpCreateCheckoutSession   = "createCheckoutSession"
	OpVerifyCheckoutSession   = "verifyCheckoutSession"
	OpGetSubscriptionStatus   = "getSubscriptionStatus"
	OpCountResources          = "countResources"
	OpInvokeProvisioning      = "invokeProvisioning"
)

type client struct {
	invoker   model.OperationInvoker
	serviceID string
}

// call invokes operationID and decodes a 2xx body into out (when non-nil).
// Non-2xx responses become *model.BackendError unless the status is listed
// in allow, in which case the result is returned with a nil error.
func (c client) call(
	ctx context.Context,
	rctx *model.RequestContext,
	operationID string,
	input model.InvocationInput,
	out any,
	allow ...int,
) (model.InvocationResult, error) {
	binding := model.OperationBinding{ServiceID: c.serviceID, OperationID: operationID}
	result, err := c.invoker.Invoke(ctx, rctx, binding, input)
	if err != nil {
		return result, fmt.Errorf("backend: %s: %w", binding, err)
	}
	if !result.Accepted(allow...) {
		return result, backendError(binding, result)
	}
	if !result.OK() {
		return result, nil
	}
	if err := result.Decode(out); err != nil {
		return result, fmt.Errorf("backend: %s: decode response: %w", binding, err)
	}
	return result, nil
}

// backendError extracts code and message from the usual error body shapes:
// {"error": {"code", "message"}} or {"code", "message"}.
func backendError(binding model.OperationBinding, result model.InvocationResult) *model.BackendError {
	be := &model.BackendError{
		ServiceID:   binding.ServiceID,
		OperationID: binding.OperationID,
		StatusCode:  result.StatusCode,
	}
	if body, ok := result.Body.(map[string]any); ok {
		if nested, ok := body["error"].(map[string]any); ok {
			body = nested
		}
		be.Code, _ = body["code"].(string)
		be.Message, _ = body["message"].(string)
		if be.Message == "" {
			be.Message, _ = body["error"].(string)
		}
	}
	if strings.TrimSpace(be.Message) == "" {
		be.Message = http.StatusText(result.StatusCode)
	}
	return be
}
