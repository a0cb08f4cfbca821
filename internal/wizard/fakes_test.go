package wizard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/store"
	"github.com/pitabwire/activator/model"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var caller = &model.RequestContext{SubjectID: "user-1", TenantID: "acme", Token: "tok"}

type fakeProfiles struct {
	mu           sync.Mutex
	profile      model.Profile
	getErr       error
	upsertErr    error
	upserts      []model.ProfileUpdate
	consentOK    bool
	consentErr   error
	consentCalls int
}

func (f *fakeProfiles) GetProfile(context.Context, *model.RequestContext) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, f.getErr
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, _ *model.RequestContext, u model.ProfileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, u)
	if u.BusinessName != "" {
		f.profile.BusinessName = u.BusinessName
	}
	if u.TransferNumber != "" {
		f.profile.TransferNumber = u.TransferNumber
	}
	return nil
}

func (f *fakeProfiles) AcceptConsent(_ context.Context, _ *model.RequestContext, at time.Time) (backend.ConsentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consentCalls++
	if f.consentErr != nil {
		return backend.ConsentResult{}, f.consentErr
	}
	if !f.consentOK {
		return backend.ConsentResult{OK: false}, nil
	}
	return backend.ConsentResult{OK: true, AcceptedAt: &at}, nil
}

type fakeBilling struct {
	mu          sync.Mutex
	sub         model.Subscription
	subErr      error
	createErr   error
	created     []model.CheckoutSessionRequest
	paid        map[string]bool
	verifyErr   error
	verifyCalls int
}

func (f *fakeBilling) CreateCheckoutSession(_ context.Context, _ *model.RequestContext, req model.CheckoutSessionRequest) (model.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.CheckoutSession{}, f.createErr
	}
	f.created = append(f.created, req)
	return model.CheckoutSession{SessionID: "cs_123", URL: "https://pay.example.com/c/cs_123"}, nil
}

func (f *fakeBilling) VerifyCheckoutSession(_ context.Context, _ *model.RequestContext, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.paid[sessionID], nil
}

func (f *fakeBilling) GetSubscriptionStatus(context.Context, *model.RequestContext) (model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub, f.subErr
}

func (f *fakeBilling) verifications() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

type fakeProvisioning struct {
	mu           sync.Mutex
	count        int
	countErr     error
	provisionErr error
	calls        int
	keys         []string
	payloads     []model.ProvisioningRequest

	// started receives once per call when set; release, when set, holds the
	// call until it is closed or sent to.
	started chan struct{}
	release chan struct{}
}

func (f *fakeProvisioning) CountResources(context.Context, *model.RequestContext) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

func (f *fakeProvisioning) Provision(_ context.Context, _ *model.RequestContext, req model.ProvisioningRequest, key string) (model.ProvisioningResult, error) {
	f.mu.Lock()
	f.calls++
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, req)
	started, release, err := f.started, f.release, f.provisionErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return model.ProvisioningResult{}, err
	}
	return model.ProvisioningResult{ResourceID: "agent-42"}, nil
}

func (f *fakeProvisioning) provisionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	w        *Wizard
	store    *store.MemoryStore
	profiles *fakeProfiles
	billing  *fakeBilling
	prov     *fakeProvisioning
}

func testConfig() config.WizardConfig {
	return config.WizardConfig{
		ReturnURL:       "https://app.example.com/activate",
		UpgradeURL:      "https://app.example.com/upgrade",
		PlanTiers:       []string{"starter", "pro"},
		ExpansionTiers:  []string{"pro", "enterprise"},
		AdminRole:       "admin",
		ConfirmationTTL: 5 * time.Minute,
		ResourcePath:    "/agents/",
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		profiles: &fakeProfiles{consentOK: true},
		billing:  &fakeBilling{paid: map[string]bool{"cs_123": true}},
		prov:     &fakeProvisioning{},
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	h.w = New(h.store, h.profiles, h.billing, h.prov, testConfig(), opts...)
	return h
}

func (h *harness) session(t *testing.T) model.Session {
	t.Helper()
	s, err := h.w.Inspect(context.Background(), caller.Namespace())
	require.NoError(t, err)
	return s
}

func (h *harness) update(t *testing.T, values map[string]any) model.View {
	t.Helper()
	patch := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		patch[k] = raw
	}
	v, err := h.w.UpdateFields(context.Background(), caller, patch)
	require.NoError(t, err)
	return v
}

// seed writes raw session records directly to the store.
func (h *harness) seed(t *testing.T, records map[string]any) {
	t.Helper()
	ps := store.Bind(h.store, caller.Namespace())
	for key, v := range records {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, ps.Set(context.Background(), key, raw))
	}
}

func completeFields() map[string]any {
	return map[string]any{
		model.FieldBusinessName:   "Acme Plumbing",
		model.FieldAreaCode:       "415",
		model.FieldIndustry:       "plumbing",
		model.FieldTone:           "friendly",
		model.FieldServiceFee:     "$89",
		model.FieldEmergencyFee:   "$149",
		model.FieldTransferNumber: "+14155550100",
		model.FieldSchedule: map[string]any{
			"mon": map[string]string{"open": "08:00", "close": "17:00"},
			"tue": map[string]string{"open": "08:00", "close": "17:00"},
			"wed": map[string]string{"open": "08:00", "close": "17:00"},
			"thu": map[string]string{"open": "08:00", "close": "17:00"},
			"fri": map[string]string{"open": "08:00", "close": "17:00"},
			"sat": map[string]string{"open": "09:00", "close": "12:00"},
		},
		model.FieldDispatchBaseLocation: "Oakland, CA",
		model.FieldTravelLimitValue:     25,
		model.FieldTravelLimitMode:      model.TravelLimitMiles,
	}
}

// toHandshake drives a new session through entry, consent and checkout.
func (h *harness) toHandshake(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.update(t, completeFields())
	_, err := h.w.AcceptConsent(ctx, caller)
	require.NoError(t, err)
	for range 3 {
		_, err := h.w.Next(ctx, caller)
		require.NoError(t, err)
	}
	_, err = h.w.StartCheckout(ctx, caller, "pro")
	require.NoError(t, err)
	v, err := h.w.Mount(ctx, caller, model.ReturnParams{Success: true, SessionID: "cs_123"})
	require.NoError(t, err)
	require.Nil(t, v.Error)
	require.Equal(t, model.StepHandshake, v.Session.Step)
}

func requireCode(t *testing.T, err error, code string) *model.ErrorEnvelope {
	t.Helper()
	require.Error(t, err)
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok, "expected an error envelope, got %v", err)
	require.Equal(t, code, ee.Code, ee.Message)
	return ee
}
