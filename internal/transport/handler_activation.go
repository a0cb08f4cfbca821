package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/model"
)

const maxBodyBytes = 1 << 20

// ActivationService is the workflow behind the activation endpoints.
// *wizard.Wizard implements it.
type ActivationService interface {
	Mount(ctx context.Context, rctx *model.RequestContext, params model.ReturnParams) (model.View, error)
	UpdateFields(ctx context.Context, rctx *model.RequestContext, patch map[string]json.RawMessage) (model.View, error)
	Next(ctx context.Context, rctx *model.RequestContext) (model.View, error)
	Back(ctx context.Context, rctx *model.RequestContext) (model.View, error)
	AcceptConsent(ctx context.Context, rctx *model.RequestContext) (model.View, error)
	WithdrawConsent(ctx context.Context, rctx *model.RequestContext) (model.View, error)
	StartCheckout(ctx context.Context, rctx *model.RequestContext, planTier string) (model.View, error)
	VerifyPending(ctx context.Context, rctx *model.RequestContext) (model.View, error)
	RequestDeployment(ctx context.Context, rctx *model.RequestContext) (model.DeploymentConfirmation, error)
	ConfirmDeployment(ctx context.Context, rctx *model.RequestContext, token string) (model.View, error)
	Restart(ctx context.Context, rctx *model.RequestContext) (model.View, error)
}

// writeView writes the outcome of a wizard operation. When the operation
// failed but still produced a session view, the view is returned with the
// envelope embedded so the UI can render the step alongside the error.
func writeView(w http.ResponseWriter, r *http.Request, view model.View, err error) {
	if err == nil {
		WriteJSON(w, http.StatusOK, view)
		return
	}
	if view.StepName == "" {
		WriteError(w, r, err)
		return
	}
	ee, status := envelopeFor(r, err)
	view.Error = ee
	WriteJSON(w, status, view)
}

func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody reads a JSON object body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NewBadRequestError("could not read request body")
	}
	if len(raw) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, model.NewBadRequestError("invalid JSON body")
	}
	return raw, nil
}

func handleMount(svc ActivationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		success, _ := strconv.ParseBool(q.Get("success"))
		canceled, _ := strconv.ParseBool(q.Get("canceled"))
		params := model.ReturnParams{
			Success:   success,
			SessionID: q.Get("session_id"),
			Canceled:  canceled,
		}
		view, err := svc.Mount(r.Context(), rctx, params)
		writeView(w, r, view, err)
	}
}

func handleUpdateFields(svc ActivationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var patch map[string]json.RawMessage
		raw, err := decodeBody(r, &patch)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		log := observability.RequestLogger(r.Context(), logger)
		if log.Core().Enabled(zap.DebugLevel) {
			var body map[string]any
			if json.Unmarshal(raw, &body) == nil {
				log.Debug("activation: fields patch", zap.Any("body", observability.RedactBody(body, nil)))
			}
		}

		view, err := svc.UpdateFields(r.Context(), rctx, patch)
		writeView(w, r, view, err)
	}
}

// handleStep adapts a body-less wizard operation.
func handleStep(op func(context.Context, *model.RequestContext) (model.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := op(r.Context(), rctx)
		writeView(w, r, view, err)
	}
}

func handleStartCheckout(svc ActivationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			PlanTier string `json:"plan_tier"`
		}
		if _, err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		view, err := svc.StartCheckout(r.Context(), rctx, body.PlanTier)
		writeView(w, r, view, err)
	}
}

func handleRequestDeployment(svc ActivationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		conf, err := svc.RequestDeployment(r.Context(), rctx)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, conf)
	}
}

func handleConfirmDeployment(svc ActivationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Token string `json:"token"`
		}
		if _, err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		view, err := svc.ConfirmDeployment(r.Context(), rctx, body.Token)
		writeView(w, r, view, err)
	}
}
