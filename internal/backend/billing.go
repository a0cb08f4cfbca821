package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

// Billing talks to the billing provider.
type Billing struct {
	c client
}

// NewBilling returns a billing client.
func NewBilling(inv model.OperationInvoker) *Billing {
	return &Billing{c: client{invoker: inv, serviceID: config.ServiceBilling}}
}

// CreateCheckoutSession starts a hosted checkout for req.PlanTier.
func (b *Billing) CreateCheckoutSession(ctx context.Context, rctx *model.RequestContext, req model.CheckoutSessionRequest) (model.CheckoutSession, error) {
	var session model.CheckoutSession
	if _, err := b.c.call(ctx, rctx, OpCreateCheckoutSession, model.InvocationInput{Body: req}, &session); err != nil {
		return model.CheckoutSession{}, err
	}
	if session.SessionID == "" || session.URL == "" {
		return model.CheckoutSession{}, fmt.Errorf("backend: %s/%s: response without session id or url",
			config.ServiceBilling, OpCreateCheckoutSession)
	}
	return session, nil
}

// VerifyCheckoutSession reports whether payment for sessionID has been
// confirmed.
func (b *Billing) VerifyCheckoutSession(ctx context.Context, rctx *model.RequestContext, sessionID string) (bool, error) {
	var res struct {
		Verified bool   `json:"verified"`
		Status   string `json:"status"`
	}
	input := model.InvocationInput{PathParams: map[string]string{"sessionId": sessionID}}
	if _, err := b.c.call(ctx, rctx, OpVerifyCheckoutSession, input, &res); err != nil {
		return false, err
	}
	return res.Verified, nil
}

// GetSubscriptionStatus returns the caller's subscription. A caller without
// a subscription gets the zero Subscription, which is never active.
func (b *Billing) GetSubscriptionStatus(ctx context.Context, rctx *model.RequestContext) (model.Subscription, error) {
	var sub model.Subscription
	result, err := b.c.call(ctx, rctx, OpGetSubscriptionStatus, model.InvocationInput{}, &sub, http.StatusNotFound)
	if err != nil {
		return model.Subscription{}, err
	}
	if result.StatusCode == http.StatusNotFound {
		return model.Subscription{}, nil
	}
	return sub, nil
}
