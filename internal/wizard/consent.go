package wizard

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/model"
)

// AcceptConsent records the caller's acceptance of the service terms with
// the profile backend and, once it confirms, locally. Accepting again is a
// no-op.
func (w *Wizard) AcceptConsent(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "accept_consent")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if s.Consent.Accepted {
		return w.view(s), nil
	}

	now := w.now().UTC()
	res, err := w.profiles.AcceptConsent(o.ctx, o.rctx, now)
	if err != nil || !res.OK {
		w.metrics.RecordConsent("accept", "failed")
		o.log.Warn("wizard: consent not recorded", zap.Bool("ok", res.OK), zap.Error(err))
		return w.view(s), model.NewConsentError("could not record consent: " + remoteMessage(err, "rejected by the profile service")).AtStep(s.Step)
	}

	at := now
	if res.AcceptedAt != nil {
		at = res.AcceptedAt.UTC()
	}
	consent := model.Consent{Accepted: true, AcceptedAt: &at}
	if err := saveConsent(o.ctx, o.ps, consent); err != nil {
		return model.View{}, err
	}
	s.Consent = consent
	w.metrics.RecordConsent("accept", "accepted")
	w.record(o, &s, model.HistoryEntry{Event: "consent_accepted"})
	return w.view(s), nil
}

// WithdrawConsent clears local consent. The profile backend is not told.
func (w *Wizard) WithdrawConsent(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "withdraw_consent")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if !s.Consent.Accepted {
		return w.view(s), nil
	}
	if err := saveConsent(o.ctx, o.ps, model.Consent{}); err != nil {
		return model.View{}, err
	}
	s.Consent = model.Consent{}
	w.metrics.RecordConsent("withdraw", "withdrawn")
	w.record(o, &s, model.HistoryEntry{Event: "consent_withdrawn"})
	return w.view(s), nil
}
