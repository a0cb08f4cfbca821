package wizard

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/model"
)

// Access decision reasons.
const (
	ReasonFirstActivation = "first activation"
	ReasonAdmin           = "administrator"
	ReasonExpansionTier   = "expansion tier"
	ReasonNoResources     = "no existing resources"
	ReasonNeedsExpansion  = "additional resources require an expansion tier"
)

// evaluateAccess decides whether the caller may provision another agent.
// It also returns the profile it fetched so Mount can reuse it. Any failed
// read denies with a retryable error.
func (w *Wizard) evaluateAccess(o *op, s model.Session) (model.AccessDecision, model.Profile, *model.ErrorEnvelope) {
	profile, err := w.profiles.GetProfile(o.ctx, o.rctx)
	if err != nil {
		o.log.Warn("wizard: access check could not read profile", zap.Error(err))
		return model.AccessDecision{}, model.Profile{}, unavailable(err)
	}

	decide := func(d model.AccessDecision) (model.AccessDecision, model.Profile, *model.ErrorEnvelope) {
		w.metrics.RecordAccessDecision(d.Allowed, d.Reason)
		if !d.Allowed {
			d.UpgradeURL = w.cfg.UpgradeURL
		}
		return d, profile, nil
	}

	if !profile.HasIdentity() {
		return decide(model.AccessDecision{
			Allowed:   true,
			Reason:    ReasonFirstActivation,
			ResetForm: !s.Fields.Staged(),
		})
	}

	if w.cfg.AdminRole != "" && (profile.Role == w.cfg.AdminRole || o.rctx.HasRole(w.cfg.AdminRole)) {
		return decide(model.AccessDecision{Allowed: true, Reason: ReasonAdmin})
	}

	count, err := w.provisioning.CountResources(o.ctx, o.rctx)
	if err != nil {
		o.log.Warn("wizard: access check could not count resources", zap.Error(err))
		return model.AccessDecision{}, profile, unavailable(err)
	}
	sub, err := w.billing.GetSubscriptionStatus(o.ctx, o.rctx)
	if err != nil {
		o.log.Warn("wizard: access check could not read subscription", zap.Error(err))
		return model.AccessDecision{}, profile, unavailable(err)
	}

	switch {
	case slices.Contains(w.cfg.ExpansionTiers, sub.PlanType):
		return decide(model.AccessDecision{Allowed: true, Reason: ReasonExpansionTier})
	case count == 0:
		return decide(model.AccessDecision{Allowed: true, Reason: ReasonNoResources})
	}
	o.log.Info("wizard: access denied",
		zap.Int("resources", count),
		zap.String("plan_type", sub.PlanType),
	)
	return decide(model.AccessDecision{Allowed: false, Reason: ReasonNeedsExpansion})
}

// deniedError is returned by Mount when the access gate refuses the caller.
func deniedError(d model.AccessDecision) *model.ErrorEnvelope {
	ee := model.NewAccessDeniedError(d.Reason)
	if d.UpgradeURL != "" {
		ee.Details = []model.FieldError{{Field: "upgrade_url", Code: "UPGRADE_REQUIRED", Message: d.UpgradeURL}}
	}
	return ee
}

// unavailable converts a failed remote read into a retryable envelope.
func unavailable(err error) *model.ErrorEnvelope {
	if ee, ok := model.AsEnvelope(err); ok && ee.Retryable {
		return ee
	}
	return model.NewBackendUnavailableError()
}

// remoteMessage is the human-readable reason for a failed remote call.
func remoteMessage(err error, fallback string) string {
	var be *model.BackendError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Message
	}
	return fallback
}
