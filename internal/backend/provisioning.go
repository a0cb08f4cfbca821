package backend

import (
	"context"
	"fmt"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

// IdempotencyKeyHeader carries the confirmation token on provisioning calls
// so the backend can collapse duplicate submissions.
const IdempotencyKeyHeader = "Idempotency-Key"

// Provisioning talks to the provisioning service.
type Provisioning struct {
	c client
}

// NewProvisioning returns a provisioning client.
func NewProvisioning(inv model.OperationInvoker) *Provisioning {
	return &Provisioning{c: client{invoker: inv, serviceID: config.ServiceProvisioning}}
}

// CountResources returns how many provisioned resources the caller owns.
func (p *Provisioning) CountResources(ctx context.Context, rctx *model.RequestContext) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if _, err := p.c.call(ctx, rctx, OpCountResources, model.InvocationInput{}, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Provision allocates an agent for req. idempotencyKey is forwarded as the
// Idempotency-Key header.
func (p *Provisioning) Provision(ctx context.Context, rctx *model.RequestContext, req model.ProvisioningRequest, idempotencyKey string) (model.ProvisioningResult, error) {
	var res model.ProvisioningResult
	input := model.InvocationInput{
		Headers: map[string]string{IdempotencyKeyHeader: idempotencyKey},
		Body:    req,
	}
	if _, err := p.c.call(ctx, rctx, OpInvokeProvisioning, input, &res); err != nil {
		return model.ProvisioningResult{}, err
	}
	if res.ResourceID == "" {
		return model.ProvisioningResult{}, fmt.Errorf("backend: %s/%s: response without resource_id",
			config.ServiceProvisioning, OpInvokeProvisioning)
	}
	return res, nil
}
