package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

// Profiles talks to the profile store.
type Profiles struct {
	c client
}

// NewProfiles returns a profile store client.
func NewProfiles(inv model.OperationInvoker) *Profiles {
	return &Profiles{c: client{invoker: inv, serviceID: config.ServiceProfiles}}
}

// GetProfile returns the caller's profile. A caller without a recorded
// profile gets the zero Profile.
func (p *Profiles) GetProfile(ctx context.Context, rctx *model.RequestContext) (model.Profile, error) {
	var profile model.Profile
	result, err := p.c.call(ctx, rctx, OpGetProfile, model.InvocationInput{}, &profile, http.StatusNotFound)
	if err != nil {
		return model.Profile{}, err
	}
	if result.StatusCode == http.StatusNotFound {
		return model.Profile{}, nil
	}
	return profile, nil
}

// UpsertProfile writes the non-empty fields of update.
func (p *Profiles) UpsertProfile(ctx context.Context, rctx *model.RequestContext, update model.ProfileUpdate) error {
	_, err := p.c.call(ctx, rctx, OpUpsertProfile, model.InvocationInput{Body: update}, nil)
	return err
}

// ConsentResult is the profile store's answer to a consent acceptance.
type ConsentResult struct {
	OK         bool       `json:"ok"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// AcceptConsent records that the caller accepted the service terms at the
// given instant.
func (p *Profiles) AcceptConsent(ctx context.Context, rctx *model.RequestContext, at time.Time) (ConsentResult, error) {
	var res ConsentResult
	body := map[string]any{"accepted_at": at.UTC().Format(time.RFC3339)}
	if _, err := p.c.call(ctx, rctx, OpCreateConsentAcceptance, model.InvocationInput{Body: body}, &res); err != nil {
		return ConsentResult{}, err
	}
	return res, nil
}
