package wizard

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/model"
)

// checkoutSessionPlaceholder is substituted by the billing provider with the
// id of the completed checkout session.
const checkoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

const noticeCheckoutCanceled = "checkout canceled, retry"

// StartCheckout creates a hosted checkout for planTier and returns its URL
// as the view's RedirectURL.
func (w *Wizard) StartCheckout(ctx context.Context, rctx *model.RequestContext, planTier string) (view model.View, err error) {
	o := w.begin(ctx, rctx, "start_checkout")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if s.Step != model.StepActivation {
		return w.view(s), model.NewInvalidTransitionError("checkout can only start from the activation step").AtStep(s.Step)
	}
	if s.Checkout.IsVerified() {
		return w.view(s), model.NewConflictError("payment is already verified").AtStep(s.Step)
	}
	if !slices.Contains(w.cfg.PlanTiers, planTier) {
		return w.view(s), model.NewValidationError([]model.FieldError{{
			Field:   model.FieldPlanTier,
			Code:    "ENUM",
			Message: "plan tier must be one of " + strings.Join(w.cfg.PlanTiers, ", "),
		}}).AtStep(s.Step)
	}

	cs, err := w.billing.CreateCheckoutSession(o.ctx, o.rctx, model.CheckoutSessionRequest{
		PlanTier:   planTier,
		SuccessURL: returnURL(w.cfg.ReturnURL, "success=true&session_id="+checkoutSessionPlaceholder),
		CancelURL:  returnURL(w.cfg.ReturnURL, "canceled=true"),
	})
	if err != nil {
		w.metrics.RecordCheckout("create", "failed")
		o.log.Warn("wizard: checkout session not created", zap.String("plan_tier", planTier), zap.Error(err))
		return w.view(s), model.NewCheckoutCreateError("could not start checkout: " + remoteMessage(err, "billing unavailable")).AtStep(s.Step)
	}

	tier, _ := json.Marshal(planTier)
	if err := o.ps.Merge(o.ctx, KeyFields, map[string]json.RawMessage{model.FieldPlanTier: tier}); err != nil {
		return model.View{}, err
	}
	s.Fields.PlanTier = planTier

	o.span.SetAttributes(observability.AttrSessionID.String(cs.SessionID))
	checkout := model.Checkout{SessionID: cs.SessionID, Status: model.CheckoutPending}
	if err := saveCheckout(o.ctx, o.ps, checkout); err != nil {
		return model.View{}, err
	}
	s.Checkout = checkout
	w.metrics.RecordCheckout("create", "pending")
	w.record(o, &s, model.HistoryEntry{Event: "checkout_started", Detail: cs.SessionID})

	v := w.view(s)
	v.RedirectURL = cs.URL
	return v, nil
}

// VerifyPending verifies a pending checkout session. It does nothing when
// the checkout is already verified or none is pending.
func (w *Wizard) VerifyPending(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "verify_checkout")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if s.Checkout.IsVerified() || !s.Checkout.HasPending() {
		return w.view(s), nil
	}
	verifyErr, err := w.verify(o, &s)
	if err != nil {
		return model.View{}, err
	}
	if verifyErr != nil {
		return w.view(s), verifyErr
	}
	return w.view(s), nil
}

// handleReturn processes the checkout return markers on Mount. It returns a
// user notice and, when verification fails, a retryable envelope for the
// view. The error result is reserved for store failures.
func (w *Wizard) handleReturn(o *op, s *model.Session, params model.ReturnParams) (string, *model.ErrorEnvelope, error) {
	switch {
	case params.Canceled:
		if s.Checkout.IsVerified() {
			return "", nil, nil
		}
		checkout := model.Checkout{Status: model.CheckoutCanceled}
		if err := saveCheckout(o.ctx, o.ps, checkout); err != nil {
			return "", nil, err
		}
		s.Checkout = checkout
		w.metrics.RecordCheckout("return", "canceled")
		w.record(o, s, model.HistoryEntry{Event: "checkout_canceled"})
		return noticeCheckoutCanceled, nil, nil

	case params.Success && params.SessionID != "":
		if s.Checkout.IsVerified() {
			return "", nil, nil
		}
		if s.Checkout.SessionID != params.SessionID || s.Checkout.Status != model.CheckoutPending {
			checkout := model.Checkout{SessionID: params.SessionID, Status: model.CheckoutPending}
			if err := saveCheckout(o.ctx, o.ps, checkout); err != nil {
				return "", nil, err
			}
			s.Checkout = checkout
		}
		verifyErr, err := w.verify(o, s)
		return "", verifyErr, err

	case s.Checkout.HasPending():
		// Silent: a failure leaves the pending id for the next attempt.
		if _, err := w.verify(o, s); err != nil {
			return "", nil, err
		}
	}
	return "", nil, nil
}

// verify asks billing whether the pending checkout completed. On success
// the checkout becomes verified and the step is raised to Handshake.
func (w *Wizard) verify(o *op, s *model.Session) (*model.ErrorEnvelope, error) {
	sessionID := s.Checkout.SessionID
	ok, err := w.billing.VerifyCheckoutSession(o.ctx, o.rctx, sessionID)
	if err != nil || !ok {
		w.metrics.RecordCheckout("verify", "failed")
		o.log.Info("wizard: checkout not verified",
			zap.String("checkout_session_id", sessionID),
			zap.Bool("paid", ok),
			zap.Error(err),
		)
		return model.NewCheckoutVerifyError("payment could not be verified: " + remoteMessage(err, "not completed")).AtStep(s.Step), nil
	}

	at := w.now().UTC()
	checkout := model.Checkout{SessionID: sessionID, Status: model.CheckoutVerified, VerifiedAt: &at}
	if err := saveCheckout(o.ctx, o.ps, checkout); err != nil {
		return nil, err
	}
	s.Checkout = checkout
	w.metrics.RecordCheckout("verify", "verified")
	w.record(o, s, model.HistoryEntry{Event: "checkout_verified", Detail: sessionID})

	if s.Step < model.StepHandshake {
		if err := w.moveTo(o, s, model.StepHandshake, dirCheckout); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// returnURL appends query to base, respecting an existing query string.
func returnURL(base, query string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + query
}
