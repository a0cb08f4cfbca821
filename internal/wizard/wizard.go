// Package wizard implements the activation workflow: a six-step session
// that collects configuration, obtains consent, drives an external
// checkout, and provisions an agent exactly once per confirmation.
//
// Session state lives in a store.Store under the caller's namespace. Every
// operation runs under a per-namespace lock, so one caller's requests are
// applied one at a time; the provisioning call is the only remote call made
// without the lock held.
package wizard

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/idempotency"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/internal/store"
	"github.com/pitabwire/activator/model"
)

// ProfileService reads and writes the caller's profile.
type ProfileService interface {
	GetProfile(ctx context.Context, rctx *model.RequestContext) (model.Profile, error)
	UpsertProfile(ctx context.Context, rctx *model.RequestContext, update model.ProfileUpdate) error
	AcceptConsent(ctx context.Context, rctx *model.RequestContext, at time.Time) (backend.ConsentResult, error)
}

// BillingService drives checkout and reports subscription status.
type BillingService interface {
	CreateCheckoutSession(ctx context.Context, rctx *model.RequestContext, req model.CheckoutSessionRequest) (model.CheckoutSession, error)
	VerifyCheckoutSession(ctx context.Context, rctx *model.RequestContext, sessionID string) (bool, error)
	GetSubscriptionStatus(ctx context.Context, rctx *model.RequestContext) (model.Subscription, error)
}

// ProvisioningService counts and allocates agents.
type ProvisioningService interface {
	CountResources(ctx context.Context, rctx *model.RequestContext) (int, error)
	Provision(ctx context.Context, rctx *model.RequestContext, req model.ProvisioningRequest, idempotencyKey string) (model.ProvisioningResult, error)
}

// Wizard runs activation sessions.
type Wizard struct {
	store        store.Store
	profiles     ProfileService
	billing      BillingService
	provisioning ProvisioningService

	idem          idempotency.Store
	idemTTL       time.Duration
	confirmations *cache.Cache
	schema        *openapi.Index

	cfg     config.WizardConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	locks   *sessionLocks
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithLogger sets the wizard's logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Wizard) { w.logger = l }
}

// WithMetrics enables wizard metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Wizard) { w.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Wizard) { w.now = now }
}

// WithIdempotencyStore sets where provisioning outcomes are remembered and
// for how long.
func WithIdempotencyStore(s idempotency.Store, ttl time.Duration) Option {
	return func(w *Wizard) {
		w.idem = s
		if ttl > 0 {
			w.idemTTL = ttl
		}
	}
}

// WithSchema checks deployment payloads against the provisioning
// operation's request schema before a confirmation is issued.
func WithSchema(idx *openapi.Index) Option {
	return func(w *Wizard) { w.schema = idx }
}

// New creates a Wizard.
func New(
	st store.Store,
	profiles ProfileService,
	billing BillingService,
	provisioning ProvisioningService,
	cfg config.WizardConfig,
	opts ...Option,
) *Wizard {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 5 * time.Minute
	}
	w := &Wizard{
		store:        st,
		profiles:     profiles,
		billing:      billing,
		provisioning: provisioning,
		idemTTL:      24 * time.Hour,
		cfg:          cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
		locks:        newSessionLocks(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.idem == nil {
		w.idem = idempotency.NewMemoryStore(time.Minute)
	}
	w.confirmations = cache.New(cfg.ConfirmationTTL, time.Minute)
	return w
}

// op is one wizard operation in progress: traced, logged, and holding the
// caller's session lock until end.
type op struct {
	ctx    context.Context
	rctx   *model.RequestContext
	span   trace.Span
	ps     store.PersistedStore
	log    *zap.Logger
	unlock func()
}

func (w *Wizard) begin(ctx context.Context, rctx *model.RequestContext, name string) *op {
	if model.RequestContextFrom(ctx) == nil {
		ctx = model.WithRequestContext(ctx, rctx)
	}
	ns := rctx.Namespace()
	ctx, span := observability.StartSpan(ctx, "wizard."+name,
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	return &op{
		ctx:    ctx,
		rctx:   rctx,
		span:   span,
		ps:     store.Bind(w.store, ns),
		log:    observability.RequestLogger(ctx, w.logger).With(zap.String("op", name)),
		unlock: w.locks.lock(ns),
	}
}

func (o *op) end(s *model.Session, err error) {
	o.unlock()
	if s != nil {
		o.span.SetAttributes(observability.AttrStep.String(s.Step.String()))
	}
	observability.EndSpanWithError(o.span, err)
}

func (w *Wizard) view(s model.Session) model.View {
	return model.View{
		Session:         s,
		StepName:        s.Step.String(),
		ScheduleSummary: s.Fields.Schedule.Summary(),
	}
}

// Inspect returns the stored session for namespace without changing it.
func (w *Wizard) Inspect(ctx context.Context, namespace string) (model.Session, error) {
	unlock := w.locks.lock(namespace)
	defer unlock()
	return loadSession(ctx, store.Bind(w.store, namespace))
}
