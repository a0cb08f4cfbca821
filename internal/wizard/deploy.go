package wizard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/idempotency"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/model"
)

// confirmation is a deployment confirmation waiting to be used. A consumed
// confirmation stays cached until it expires so a repeated confirm can be
// matched against the stored outcome.
type confirmation struct {
	namespace string
	hash      string
	consumed  bool
}

// RequestDeployment assembles the provisioning payload and issues the
// single-use token that ConfirmDeployment requires.
func (w *Wizard) RequestDeployment(ctx context.Context, rctx *model.RequestContext) (conf model.DeploymentConfirmation, err error) {
	o := w.begin(ctx, rctx, "request_deployment")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.DeploymentConfirmation{}, err
	}
	if err := deployable(s); err != nil {
		return model.DeploymentConfirmation{}, err
	}

	var details []model.FieldError
	if strings.TrimSpace(s.Fields.DispatchBaseLocation) == "" {
		details = append(details, model.FieldError{Field: model.FieldDispatchBaseLocation, Code: "REQUIRED", Message: "dispatch base location is required"})
	}
	if s.Fields.TravelLimitValue <= 0 {
		details = append(details, model.FieldError{Field: model.FieldTravelLimitValue, Code: "RANGE", Message: "travel limit must be greater than zero"})
	}
	if len(details) > 0 {
		for _, d := range details {
			w.metrics.RecordGuardFailure(s.Step.String(), d.Field)
		}
		return model.DeploymentConfirmation{}, model.NewValidationError(details).AtStep(s.Step)
	}

	payload := buildPayload(s.Fields)
	if details := w.checkPayload(payload); len(details) > 0 {
		o.log.Warn("wizard: deployment payload rejected by schema", zap.Int("violations", len(details)))
		return model.DeploymentConfirmation{}, model.NewValidationError(details).AtStep(s.Step)
	}
	hash, err := hashPayload(payload)
	if err != nil {
		return model.DeploymentConfirmation{}, err
	}

	token := uuid.NewString()
	w.confirmations.Set(token, &confirmation{namespace: o.ps.Namespace(), hash: hash}, w.cfg.ConfirmationTTL)
	o.span.SetAttributes(observability.AttrAttemptID.String(token))
	o.log.Info("wizard: deployment confirmation issued", zap.String("attempt_id", token))

	return model.DeploymentConfirmation{
		Token:     token,
		ExpiresAt: w.now().Add(w.cfg.ConfirmationTTL).UTC(),
		Payload:   payload,
	}, nil
}

// ConfirmDeployment provisions the agent described by the confirmation
// token. The call is made at most once per token: a repeat after success
// replays the stored outcome, and a concurrent repeat is refused.
//
// The session lock is released while the provisioning call runs. When the
// call returns, its result is applied only if the session still waits on
// this attempt.
func (w *Wizard) ConfirmDeployment(ctx context.Context, rctx *model.RequestContext, token string) (view model.View, err error) {
	o := w.begin(ctx, rctx, "confirm_deployment")
	o.span.SetAttributes(observability.AttrAttemptID.String(token))
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}

	v, found := w.confirmations.Get(token)
	if token == "" || !found || v.(*confirmation).namespace != o.ps.Namespace() {
		return w.view(s), model.NewBadRequestError("confirmation expired; request a new one").AtStep(s.Step)
	}
	conf := v.(*confirmation)

	idemKey := idempotency.ProvisionKey(o.ps.Namespace(), token)
	rec, replay, err := w.idem.Check(o.ctx, idemKey, conf.hash)
	if err != nil {
		return w.view(s), err
	}
	if replay {
		o.log.Info("wizard: deployment replayed", zap.String("resource_id", rec.ResourceID))
		return w.successView(s, rec.ResourceID), nil
	}

	if conf.consumed {
		return w.view(s), model.NewConflictError("confirmation already used").AtStep(s.Step)
	}
	if err := deployable(s); err != nil {
		return w.view(s), err
	}

	payload := buildPayload(s.Fields)
	hash, err := hashPayload(payload)
	if err != nil {
		return model.View{}, err
	}
	conf.consumed = true
	if hash != conf.hash {
		return w.view(s), model.NewConflictError("entries changed since confirmation; confirm again").AtStep(s.Step)
	}

	started := w.now()
	inFlight := model.Deployment{Status: model.DeploymentInFlight, AttemptID: token, UpdatedAt: ptrTime(started.UTC())}
	if err := saveDeployment(o.ctx, o.ps, inFlight); err != nil {
		return model.View{}, err
	}
	s.Deployment = inFlight
	w.record(o, &s, model.HistoryEntry{Event: "deployment_started", Detail: token})

	// The outcome is applied even if the caller goes away mid-call.
	o.ctx = context.WithoutCancel(o.ctx)
	o.unlock()
	res, callErr := w.provisioning.Provision(o.ctx, o.rctx, payload, token)
	o.unlock = w.locks.lock(o.ps.Namespace())
	elapsed := w.now().Sub(started)

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if s.Step != model.StepHandshake || s.Deployment.Status != model.DeploymentInFlight || s.Deployment.AttemptID != token {
		w.metrics.RecordDeployment("ignored", elapsed)
		o.log.Warn("wizard: deployment result ignored",
			zap.String("attempt_id", token),
			zap.Stringer("step", s.Step),
			zap.Bool("succeeded", callErr == nil),
		)
		return w.view(s), model.NewConflictError("workflow moved on; result ignored").AtStep(s.Step)
	}

	if callErr != nil {
		msg := remoteMessage(callErr, "provisioning unavailable")
		failed := model.Deployment{Status: model.DeploymentFailed, AttemptID: token, Error: msg, UpdatedAt: ptrTime(w.now().UTC())}
		if err := saveDeployment(o.ctx, o.ps, failed); err != nil {
			return model.View{}, err
		}
		s.Deployment = failed
		w.metrics.RecordDeployment("failed", elapsed)
		w.record(o, &s, model.HistoryEntry{Event: "deployment_failed", Detail: msg})
		o.log.Error("wizard: deployment failed", zap.String("attempt_id", token), zap.Error(callErr))
		return w.view(s), model.NewDeploymentError("deployment failed: " + msg).AtStep(model.StepHandshake)
	}

	done := model.Deployment{Status: model.DeploymentSucceeded, ResourceID: res.ResourceID, AttemptID: token, UpdatedAt: ptrTime(w.now().UTC())}
	if err := saveDeployment(o.ctx, o.ps, done); err != nil {
		return model.View{}, err
	}
	s.Deployment = done
	if err := w.moveTo(o, &s, model.StepSuccess, dirDeploy); err != nil {
		return model.View{}, err
	}
	record := idempotency.Record{InputHash: conf.hash, ResourceID: res.ResourceID, CompletedAt: w.now().UTC()}
	if err := w.idem.Save(o.ctx, idemKey, record, w.idemTTL); err != nil {
		o.log.Error("wizard: deployment outcome not stored", zap.String("attempt_id", token), zap.Error(err))
	}
	w.metrics.RecordDeployment("succeeded", elapsed)
	w.record(o, &s, model.HistoryEntry{Event: "deployment_succeeded", Detail: res.ResourceID})
	o.log.Info("wizard: agent provisioned",
		zap.String("attempt_id", token),
		zap.String("resource_id", res.ResourceID),
		zap.Duration("elapsed", elapsed),
	)

	finished := s
	if s, err = destroySession(o.ctx, o.ps, s); err != nil {
		return model.View{}, err
	}
	return w.successView(finished, res.ResourceID), nil
}

// deployable checks the step and checkout state shared by both halves of
// the deployment handshake.
func deployable(s model.Session) error {
	if s.Step != model.StepHandshake {
		return model.NewInvalidTransitionError("deployment is only possible from the handshake step").AtStep(s.Step)
	}
	if !s.Checkout.IsVerified() {
		return model.NewInvalidTransitionError("payment has not been verified").AtStep(s.Step)
	}
	if s.Deployment.Status == model.DeploymentInFlight {
		return model.NewConflictError("deployment already in progress").AtStep(s.Step)
	}
	return nil
}

func (w *Wizard) successView(s model.Session, resourceID string) model.View {
	s.Step = model.StepSuccess
	s.Deployment.Status = model.DeploymentSucceeded
	s.Deployment.ResourceID = resourceID
	v := w.view(s)
	v.ResourcePath = w.cfg.ResourcePath + url.PathEscape(resourceID)
	return v
}

// checkPayload validates the payload against the provisioning operation's
// request schema when one is loaded.
func (w *Wizard) checkPayload(p model.ProvisioningRequest) []model.FieldError {
	if w.schema == nil {
		return nil
	}
	if _, ok := w.schema.GetOperation(config.ServiceProvisioning, backend.OpInvokeProvisioning); !ok {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return []model.FieldError{{Code: "SCHEMA", Message: err.Error()}}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return []model.FieldError{{Code: "SCHEMA", Message: err.Error()}}
	}
	var details []model.FieldError
	for _, v := range w.schema.ValidateRequest(config.ServiceProvisioning, backend.OpInvokeProvisioning, decoded) {
		details = append(details, model.FieldError{Field: v.Field, Code: "SCHEMA", Message: v.Message})
	}
	return details
}

func buildPayload(f model.Fields) model.ProvisioningRequest {
	return model.ProvisioningRequest{
		BusinessName:         strings.TrimSpace(f.BusinessName),
		Industry:             strings.TrimSpace(f.Industry),
		AreaCode:             f.AreaCode,
		Tone:                 f.Tone,
		ScheduleSummary:      f.Schedule.Summary(),
		Fees:                 model.Fees{Service: f.ServiceFee, Emergency: f.EmergencyFee},
		TransferNumber:       strings.TrimSpace(f.TransferNumber),
		CalendarLink:         f.CalendarLink,
		PlanTier:             f.PlanTier,
		DispatchBaseLocation: strings.TrimSpace(f.DispatchBaseLocation),
		TravelLimitValue:     f.TravelLimitValue,
		TravelLimitMode:      f.TravelLimitMode,
	}
}

func hashPayload(p model.ProvisioningRequest) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("wizard: encode payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func ptrTime(t time.Time) *time.Time { return &t }
