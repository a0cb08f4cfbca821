package wizard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/model"
)

func TestRequestDeployment(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)

	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
	assert.NotEmpty(t, conf.Token)
	assert.Equal(t, testNow.Add(5*time.Minute), conf.ExpiresAt)
	assert.Equal(t, model.ProvisioningRequest{
		BusinessName:         "Acme Plumbing",
		Industry:             "plumbing",
		AreaCode:             "415",
		Tone:                 "friendly",
		ScheduleSummary:      "Mon-Fri 08:00-17:00, Sat 09:00-12:00",
		Fees:                 model.Fees{Service: "$89", Emergency: "$149"},
		TransferNumber:       "+14155550100",
		PlanTier:             "pro",
		DispatchBaseLocation: "Oakland, CA",
		TravelLimitValue:     25,
		TravelLimitMode:      model.TravelLimitMiles,
	}, conf.Payload)
	assert.Zero(t, h.prov.provisionCalls(), "requesting a confirmation makes no remote call")
}

func TestRequestDeployment_Preconditions(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	h.update(t, map[string]any{
		model.FieldDispatchBaseLocation: " ",
		model.FieldTravelLimitValue:     0,
	})

	_, err := h.w.RequestDeployment(context.Background(), caller)
	ee := requireCode(t, err, model.ErrValidationError)
	require.Len(t, ee.Details, 2)
	assert.Equal(t, model.FieldDispatchBaseLocation, ee.Details[0].Field)
	assert.Equal(t, model.FieldTravelLimitValue, ee.Details[1].Field)
	assert.Equal(t, model.StepHandshake, ee.Step)
}

func TestRequestDeployment_WrongState(t *testing.T) {
	tests := []struct {
		name    string
		records map[string]any
		code    string
	}{
		{"before handshake", map[string]any{KeyStep: model.StepActivation}, model.ErrInvalidTransition},
		{"unverified", map[string]any{KeyStep: model.StepHandshake}, model.ErrInvalidTransition},
		{"in flight", map[string]any{
			KeyStep:       model.StepHandshake,
			KeyCheckout:   model.Checkout{Status: model.CheckoutVerified},
			KeyDeployment: model.Deployment{Status: model.DeploymentInFlight, AttemptID: "a-1"},
		}, model.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, tt.records)
			_, err := h.w.RequestDeployment(context.Background(), caller)
			requireCode(t, err, tt.code)
		})
	}
}

func TestRequestDeployment_SchemaCheck(t *testing.T) {
	idx := openapi.NewIndex()
	require.NoError(t, idx.Load([]openapi.SpecSource{
		{ServiceID: config.ServiceProvisioning, BaseURL: "http://provisioning.test", SpecPath: "../../specs/provisioning.yaml"},
	}))
	h := newHarness(t, WithSchema(idx))
	h.toHandshake(t)

	_, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
}

func TestConfirmDeployment_Success(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)

	v, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	require.NoError(t, err)
	assert.Equal(t, model.StepSuccess, v.Session.Step)
	assert.Equal(t, "success", v.StepName)
	assert.Equal(t, model.DeploymentSucceeded, v.Session.Deployment.Status)
	assert.Equal(t, "agent-42", v.Session.Deployment.ResourceID)
	assert.Equal(t, "/agents/agent-42", v.ResourcePath)

	assert.Equal(t, 1, h.prov.provisionCalls())
	assert.Equal(t, []string{conf.Token}, h.prov.keys, "the token is the idempotency key")
	assert.Equal(t, conf.Payload, h.prov.payloads[0])

	stored := h.session(t)
	assert.Equal(t, model.StepIdentity, stored.Step, "session is destroyed after success")
	assert.Empty(t, stored.Fields.BusinessName)
	assert.Equal(t, model.CheckoutAbsent, stored.Checkout.Status)
	require.NotEmpty(t, stored.History)
	assert.Equal(t, "deployment_succeeded", stored.History[len(stored.History)-1].Event)
}

func TestConfirmDeployment_RepeatReplaysOutcome(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)

	first, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	require.NoError(t, err)
	second, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	require.NoError(t, err)

	assert.Equal(t, first.ResourcePath, second.ResourcePath)
	assert.Equal(t, model.StepSuccess, second.Session.Step)
	assert.Equal(t, 1, h.prov.provisionCalls(), "provisioning runs once per token")
}

func TestConfirmDeployment_DoubleConfirmWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)

	h.prov.started = make(chan struct{}, 1)
	h.prov.release = make(chan struct{})

	type result struct {
		view model.View
		err  error
	}
	done := make(chan result, 1)
	go func() {
		v, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
		done <- result{v, err}
	}()
	<-h.prov.started

	_, err = h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	requireCode(t, err, model.ErrConflict)

	_, err = h.w.RequestDeployment(context.Background(), caller)
	requireCode(t, err, model.ErrConflict)

	close(h.prov.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "/agents/agent-42", res.view.ResourcePath)
	assert.Equal(t, 1, h.prov.provisionCalls())
}

func TestConfirmDeployment_LateResultIgnoredAfterBack(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)

	h.prov.started = make(chan struct{}, 1)
	h.prov.release = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
		done <- err
	}()
	<-h.prov.started

	v, err := h.w.Back(context.Background(), caller)
	require.NoError(t, err, "back is not blocked by the provisioning call")
	assert.Equal(t, model.StepActivation, v.Session.Step)
	assert.Equal(t, model.DeploymentNotStarted, v.Session.Deployment.Status)

	close(h.prov.release)
	ee := requireCode(t, <-done, model.ErrConflict)
	assert.Contains(t, ee.Message, "result ignored")

	stored := h.session(t)
	assert.Equal(t, model.StepActivation, stored.Step)
	assert.Equal(t, model.DeploymentNotStarted, stored.Deployment.Status)
	assert.Empty(t, stored.Deployment.ResourceID)
	assert.Equal(t, "Acme Plumbing", stored.Fields.BusinessName)
}

func TestConfirmDeployment_Failure(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
	h.prov.provisionErr = &model.BackendError{ServiceID: "provisioning", StatusCode: 422, Message: "travel limit exceeds coverage area"}

	v, err := h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	ee := requireCode(t, err, model.ErrDeploymentFailed)
	assert.Equal(t, model.StepHandshake, ee.Step)
	assert.Contains(t, ee.Message, "travel limit exceeds coverage area")
	assert.Equal(t, model.DeploymentFailed, v.Session.Deployment.Status)

	stored := h.session(t)
	assert.Equal(t, model.StepHandshake, stored.Step)
	assert.Equal(t, model.DeploymentFailed, stored.Deployment.Status)
	assert.Equal(t, "travel limit exceeds coverage area", stored.Deployment.Error)
	assert.Equal(t, "Acme Plumbing", stored.Fields.BusinessName, "fields survive a failed deployment")

	_, err = h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	requireCode(t, err, model.ErrConflict)
	assert.Equal(t, 1, h.prov.provisionCalls(), "a failed token is not reused")

	h.prov.provisionErr = nil
	v = h.update(t, map[string]any{model.FieldTravelLimitValue: 15})
	assert.Equal(t, model.StepHandshake, v.Session.Step)

	retry, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
	assert.NotEqual(t, conf.Token, retry.Token)
	assert.EqualValues(t, 15, retry.Payload.TravelLimitValue)

	v, err = h.w.ConfirmDeployment(context.Background(), caller, retry.Token)
	require.NoError(t, err)
	assert.Equal(t, model.StepSuccess, v.Session.Step)
	require.Len(t, h.prov.payloads, 2)
	assert.EqualValues(t, 25, h.prov.payloads[0].TravelLimitValue)
	assert.EqualValues(t, 15, h.prov.payloads[1].TravelLimitValue)
}

func TestConfirmDeployment_FieldsChangedSinceConfirmation(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
	h.update(t, map[string]any{model.FieldTravelLimitValue: 40})

	_, err = h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	requireCode(t, err, model.ErrConflict)
	assert.Zero(t, h.prov.provisionCalls())

	_, err = h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	requireCode(t, err, model.ErrConflict)
	assert.Zero(t, h.prov.provisionCalls())
}

func TestConfirmDeployment_UnknownToken(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)

	_, err = h.w.ConfirmDeployment(context.Background(), caller, "not-a-token")
	requireCode(t, err, model.ErrBadRequest)

	other := &model.RequestContext{SubjectID: "user-2", TenantID: "acme"}
	_, err = h.w.ConfirmDeployment(context.Background(), other, conf.Token)
	requireCode(t, err, model.ErrBadRequest)
	assert.Zero(t, h.prov.provisionCalls())
}

func TestConfirmDeployment_ExpiredToken(t *testing.T) {
	h := newHarness(t)
	h.toHandshake(t)
	conf, err := h.w.RequestDeployment(context.Background(), caller)
	require.NoError(t, err)
	h.w.confirmations.Delete(conf.Token)

	_, err = h.w.ConfirmDeployment(context.Background(), caller, conf.Token)
	ee := requireCode(t, err, model.ErrBadRequest)
	assert.Contains(t, ee.Message, "expired")
}

func TestBuildPayloadTrimsText(t *testing.T) {
	p := buildPayload(model.Fields{
		BusinessName:         "  Acme  ",
		Industry:             "plumbing ",
		DispatchBaseLocation: " Oakland",
		TravelLimitValue:     30,
		TravelLimitMode:      model.TravelLimitMinutes,
	})
	assert.Equal(t, "Acme", p.BusinessName)
	assert.Equal(t, "plumbing", p.Industry)
	assert.Equal(t, "Oakland", p.DispatchBaseLocation)
	assert.Equal(t, "by appointment", p.ScheduleSummary)
}

func TestHashPayloadIsStable(t *testing.T) {
	p := buildPayload(model.Fields{BusinessName: "Acme", TravelLimitValue: 10})
	a, err := hashPayload(p)
	require.NoError(t, err)
	b, err := hashPayload(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	p.TravelLimitValue = 11
	c, err := hashPayload(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
