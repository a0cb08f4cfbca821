package wizard

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/store"
	"github.com/pitabwire/activator/model"
)

// Persisted keys. Each record has its own key so a merge into the fields
// object can never overwrite checkout, deployment or consent state.
const (
	KeyStep       = "workflow.step"
	KeyFields     = "workflow.fields"
	KeyCheckout   = "workflow.checkout"
	KeyDeployment = "workflow.deployment"
	KeyConsent    = "workflow.consent"
	KeyHistory    = "workflow.history"
)

// sessionKeys are cleared when a session is destroyed. The history is an
// audit trail across attempts and survives.
var sessionKeys = []string{KeyStep, KeyFields, KeyCheckout, KeyDeployment, KeyConsent}

const maxHistory = 50

func getJSON[T any](ctx context.Context, ps store.PersistedStore, key string, out *T) error {
	raw, found, err := ps.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("wizard: read %s: %w", key, err)
	}
	if !found {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wizard: decode %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, ps store.PersistedStore, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wizard: encode %s: %w", key, err)
	}
	if err := ps.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("wizard: write %s: %w", key, err)
	}
	return nil
}

// loadSession reads every record of the session. Missing records take
// their initial values; a stored step outside the valid range is clamped.
func loadSession(ctx context.Context, ps store.PersistedStore) (model.Session, error) {
	s := model.NewSession()
	if err := getJSON(ctx, ps, KeyStep, &s.Step); err != nil {
		return s, err
	}
	s.Step = s.Step.Clamp()
	if err := getJSON(ctx, ps, KeyFields, &s.Fields); err != nil {
		return s, err
	}
	if err := getJSON(ctx, ps, KeyCheckout, &s.Checkout); err != nil {
		return s, err
	}
	if s.Checkout.Status == "" {
		s.Checkout.Status = model.CheckoutAbsent
	}
	if err := getJSON(ctx, ps, KeyDeployment, &s.Deployment); err != nil {
		return s, err
	}
	if s.Deployment.Status == "" {
		s.Deployment.Status = model.DeploymentNotStarted
	}
	if err := getJSON(ctx, ps, KeyConsent, &s.Consent); err != nil {
		return s, err
	}
	if err := getJSON(ctx, ps, KeyHistory, &s.History); err != nil {
		return s, err
	}
	return s, nil
}

func saveStep(ctx context.Context, ps store.PersistedStore, step model.Step) error {
	return setJSON(ctx, ps, KeyStep, step.Clamp())
}

func saveCheckout(ctx context.Context, ps store.PersistedStore, c model.Checkout) error {
	return setJSON(ctx, ps, KeyCheckout, c)
}

func saveDeployment(ctx context.Context, ps store.PersistedStore, d model.Deployment) error {
	return setJSON(ctx, ps, KeyDeployment, d)
}

func saveConsent(ctx context.Context, ps store.PersistedStore, c model.Consent) error {
	return setJSON(ctx, ps, KeyConsent, c)
}

// destroySession clears the session records and returns a fresh session
// carrying the existing history.
func destroySession(ctx context.Context, ps store.PersistedStore, s model.Session) (model.Session, error) {
	for _, key := range sessionKeys {
		if err := ps.Clear(ctx, key); err != nil {
			return s, fmt.Errorf("wizard: clear %s: %w", key, err)
		}
	}
	fresh := model.NewSession()
	fresh.History = s.History
	return fresh, nil
}

// record appends an audit entry and persists the trimmed history. A failed
// history write is logged and otherwise ignored.
func (w *Wizard) record(o *op, s *model.Session, entry model.HistoryEntry) {
	entry.At = w.now().UTC()
	s.History = append(s.History, entry)
	if n := len(s.History); n > maxHistory {
		s.History = append([]model.HistoryEntry(nil), s.History[n-maxHistory:]...)
	}
	if err := setJSON(o.ctx, o.ps, KeyHistory, s.History); err != nil {
		o.log.Warn("wizard: history write failed", zap.String("event", entry.Event), zap.Error(err))
	}
}

// moveTo persists a step change and records it.
func (w *Wizard) moveTo(o *op, s *model.Session, to model.Step, direction string) error {
	from := s.Step
	to = to.Clamp()
	if to == from {
		return nil
	}
	if err := saveStep(o.ctx, o.ps, to); err != nil {
		return err
	}
	s.Step = to
	w.metrics.RecordTransition(from.String(), to.String(), direction)
	w.record(o, s, model.HistoryEntry{Event: "step_" + direction, From: from, To: to})
	o.log.Info("wizard: step changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("direction", direction),
	)
	return nil
}
