package wizard

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/model"
)

// Transition directions, used as metric labels and history events.
const (
	dirForward   = "forward"
	dirBack      = "back"
	dirReset     = "reset"
	dirReconcile = "reconcile"
	dirCheckout  = "checkout"
	dirDeploy    = "deploy"
)

// forward lists the transitions Next may take. Handshake to Success is
// reachable only through a successful deployment.
var forward = map[model.Step]model.Step{
	model.StepIdentity:     model.StepIntelligence,
	model.StepIntelligence: model.StepLogistics,
	model.StepLogistics:    model.StepActivation,
	model.StepActivation:   model.StepHandshake,
}

var areaCodePattern = regexp.MustCompile(`^[0-9]{3}$`)

// Mount loads the caller's session and runs, in order: the access gate,
// the prior-consent check, reconciliation with billing, and the checkout
// return handler. params are the return markers found on the page URL.
func (w *Wizard) Mount(ctx context.Context, rctx *model.RequestContext, params model.ReturnParams) (view model.View, err error) {
	o := w.begin(ctx, rctx, "mount")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}

	decision, profile, denied := w.evaluateAccess(o, s)
	if denied != nil {
		return model.View{}, denied.AtStep(s.Step)
	}
	if !decision.Allowed {
		v := w.view(s)
		v.Access = &decision
		return v, deniedError(decision).AtStep(s.Step)
	}

	if decision.ResetForm {
		if err := o.ps.Clear(o.ctx, KeyFields); err != nil {
			return model.View{}, err
		}
		s.Fields = model.Fields{}
		if err := w.moveTo(o, &s, model.FirstStep, dirReset); err != nil {
			return model.View{}, err
		}
	}

	if profile.ConsentAcceptedAt != nil && !s.Consent.Accepted {
		consent := model.Consent{Accepted: true, AcceptedAt: profile.ConsentAcceptedAt}
		if err := saveConsent(o.ctx, o.ps, consent); err != nil {
			return model.View{}, err
		}
		s.Consent = consent
		w.metrics.RecordConsent("prior", "accepted")
	}

	rec, err := w.reconcile(o, &s, params)
	if err != nil {
		return model.View{}, err
	}

	notice, verifyErr, err := w.handleReturn(o, &s, params)
	if err != nil {
		return model.View{}, err
	}

	v := w.view(s)
	v.Access = &decision
	v.Reconcile = &rec
	v.Notice = notice
	v.Error = verifyErr
	return v, nil
}

// reconcile aligns the local session with the billing backend once per
// mount. A caller with an active subscription has its checkout marked
// verified, unless a checkout session is waiting for verification: that
// one is left to handleReturn, which also raises the step to Handshake.
// The step is raised to Activation only when no entry is staged.
func (w *Wizard) reconcile(o *op, s *model.Session, params model.ReturnParams) (model.ReconcileResult, error) {
	midWorkflow := s.Fields.Staged()
	byLocalState := func() model.ReconcileResult {
		if midWorkflow {
			return model.ReconcileResult{Kind: model.ReconcileResume}
		}
		return model.ReconcileResult{Kind: model.ReconcileFresh}
	}

	sub, err := w.billing.GetSubscriptionStatus(o.ctx, o.rctx)
	if err != nil {
		o.log.Warn("wizard: reconcile could not read subscription", zap.Error(err))
		return byLocalState(), nil
	}
	if !sub.IsActive(w.now()) {
		return byLocalState(), nil
	}

	if !s.Checkout.IsVerified() && !verificationDue(s.Checkout, params) {
		at := w.now().UTC()
		checkout := model.Checkout{SessionID: s.Checkout.SessionID, Status: model.CheckoutVerified, VerifiedAt: &at}
		if err := saveCheckout(o.ctx, o.ps, checkout); err != nil {
			return model.ReconcileResult{}, err
		}
		s.Checkout = checkout
		w.metrics.RecordCheckout("reconcile", "verified")
		w.record(o, s, model.HistoryEntry{Event: "checkout_verified", Detail: "active subscription"})
	}

	if midWorkflow {
		return model.ReconcileResult{Kind: model.ReconcileResume}, nil
	}
	if s.Step < model.StepActivation {
		if err := w.moveTo(o, s, model.StepActivation, dirReconcile); err != nil {
			return model.ReconcileResult{}, err
		}
	}
	return model.ReconcileResult{Kind: model.ReconcileAlreadyActive}, nil
}

// verificationDue reports whether handleReturn will verify a checkout
// session on this mount.
func verificationDue(c model.Checkout, params model.ReturnParams) bool {
	if params.Canceled {
		return false
	}
	return (params.Success && params.SessionID != "") || c.HasPending()
}

// Next advances one step when the current step's guard holds and its
// dependent profile save succeeds.
func (w *Wizard) Next(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "next")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}

	to, ok := forward[s.Step]
	if !ok {
		return w.view(s), model.NewInvalidTransitionError("step " + s.Step.String() + " cannot be advanced with next").AtStep(s.Step)
	}

	if details := guard(s); len(details) > 0 {
		for _, d := range details {
			w.metrics.RecordGuardFailure(s.Step.String(), d.Field)
		}
		return w.view(s), model.NewValidationError(details).AtStep(s.Step)
	}

	if update, ok := dependentSave(s); ok {
		if err := w.profiles.UpsertProfile(o.ctx, o.rctx, update); err != nil {
			o.log.Warn("wizard: dependent profile save failed", zap.Stringer("step", s.Step), zap.Error(err))
			msg := "could not save your profile: " + remoteMessage(err, "service unavailable")
			return w.view(s), model.NewDependentSaveError(msg).AtStep(s.Step)
		}
	}

	if err := w.moveTo(o, &s, to, dirForward); err != nil {
		return model.View{}, err
	}
	return w.view(s), nil
}

// Back moves one step back, stopping at the first step. Leaving Handshake
// while a deployment is in flight abandons that attempt: its late result is
// ignored.
func (w *Wizard) Back(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "back")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}

	if s.Step == model.StepHandshake && s.Deployment.Status == model.DeploymentInFlight {
		abandoned := s.Deployment.AttemptID
		d := model.Deployment{Status: model.DeploymentNotStarted}
		if err := saveDeployment(o.ctx, o.ps, d); err != nil {
			return model.View{}, err
		}
		s.Deployment = d
		w.record(o, &s, model.HistoryEntry{Event: "deployment_abandoned", Detail: abandoned})
		o.log.Info("wizard: in-flight deployment abandoned", zap.String("attempt_id", abandoned))
	}

	if err := w.moveTo(o, &s, s.Step-1, dirBack); err != nil {
		return model.View{}, err
	}
	return w.view(s), nil
}

// guard returns the field errors blocking Next from the current step.
func guard(s model.Session) []model.FieldError {
	var errs []model.FieldError
	missing := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, model.FieldError{Field: field, Code: "REQUIRED", Message: field + " is required"})
		}
	}

	switch s.Step {
	case model.StepIdentity:
		missing(model.FieldBusinessName, s.Fields.BusinessName)
		if !areaCodePattern.MatchString(s.Fields.AreaCode) {
			errs = append(errs, model.FieldError{Field: model.FieldAreaCode, Code: "FORMAT", Message: "area code must be exactly 3 digits"})
		}
		if !s.Consent.Accepted {
			errs = append(errs, model.FieldError{Field: "consent", Code: "REQUIRED", Message: "the service terms must be accepted"})
		}
	case model.StepIntelligence:
		missing(model.FieldIndustry, s.Fields.Industry)
	case model.StepLogistics:
		missing(model.FieldServiceFee, s.Fields.ServiceFee)
		missing(model.FieldEmergencyFee, s.Fields.EmergencyFee)
	case model.StepActivation:
		if !s.Checkout.IsVerified() {
			errs = append(errs, model.FieldError{Field: "checkout", Code: "UNVERIFIED", Message: "payment has not been verified"})
		}
	}
	return errs
}

// dependentSave is the profile write that must succeed before leaving the
// current step.
func dependentSave(s model.Session) (model.ProfileUpdate, bool) {
	switch s.Step {
	case model.StepIdentity:
		return model.ProfileUpdate{BusinessName: strings.TrimSpace(s.Fields.BusinessName)}, true
	case model.StepLogistics:
		if tn := strings.TrimSpace(s.Fields.TransferNumber); tn != "" {
			return model.ProfileUpdate{TransferNumber: tn}, true
		}
	}
	return model.ProfileUpdate{}, false
}
