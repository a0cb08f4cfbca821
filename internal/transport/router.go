package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/model"
)

// Dependencies is everything the activation API needs. Authenticate
// verifies the caller's token; nil trusts the request as is.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Service      ActivationService
	Readiness    observability.ReadinessChecks
	Metrics      *observability.Metrics
}

// NewRouter mounts the activation API under /v1/activation behind
// authentication. Health, readiness and metrics stay public.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(RequestID)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(SecurityHeaders)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if mc := deps.Config.Observability.Metrics; mc.Enabled && mc.Path != "" {
		r.Method(http.MethodGet, mc.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1/activation", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		svc := deps.Service
		r.Get("/", handleMount(svc))
		r.Patch("/fields", handleUpdateFields(svc, logger))
		r.Post("/next", handleStep(svc.Next))
		r.Post("/back", handleStep(svc.Back))
		r.Post("/consent", handleStep(svc.AcceptConsent))
		r.Delete("/consent", handleStep(svc.WithdrawConsent))
		r.Post("/checkout", handleStartCheckout(svc))
		r.Post("/checkout/verify", handleStep(svc.VerifyPending))
		r.Post("/deployment", handleRequestDeployment(svc))
		r.Post("/deployment/confirm", handleConfirmDeployment(svc))
		r.Post("/restart", handleStep(svc.Restart))
	})

	return r
}
