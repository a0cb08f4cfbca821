package wizard

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"slices"
	"sort"

	"github.com/pitabwire/activator/model"
)

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindSchedule
)

var fieldKinds = map[string]fieldKind{
	model.FieldBusinessName:         kindString,
	model.FieldAreaCode:             kindString,
	model.FieldIndustry:             kindString,
	model.FieldTone:                 kindString,
	model.FieldSchedule:             kindSchedule,
	model.FieldServiceFee:           kindString,
	model.FieldEmergencyFee:         kindString,
	model.FieldTransferNumber:       kindString,
	model.FieldCalendarLink:         kindString,
	model.FieldDispatchBaseLocation: kindString,
	model.FieldTravelLimitValue:     kindNumber,
	model.FieldTravelLimitMode:      kindString,
	model.FieldPlanTier:             kindString,
}

// UpdateFields merges patch into the staged fields. Each top-level key
// replaces the stored value whole; a null value removes it. The step never
// changes here.
func (w *Wizard) UpdateFields(ctx context.Context, rctx *model.RequestContext, patch map[string]json.RawMessage) (view model.View, err error) {
	o := w.begin(ctx, rctx, "update_fields")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if len(patch) == 0 {
		return w.view(s), model.NewBadRequestError("no fields to update").AtStep(s.Step)
	}
	if s.Deployment.Status == model.DeploymentInFlight {
		return w.view(s), model.NewConflictError("deployment already in progress").AtStep(s.Step)
	}
	if details := w.checkPatch(patch); len(details) > 0 {
		return w.view(s), model.NewValidationError(details).AtStep(s.Step)
	}

	if err := o.ps.Merge(o.ctx, KeyFields, patch); err != nil {
		return model.View{}, err
	}
	var merged model.Fields
	if err := getJSON(o.ctx, o.ps, KeyFields, &merged); err != nil {
		return model.View{}, err
	}
	s.Fields = merged
	return w.view(s), nil
}

// Restart discards the session so the caller starts again from the first
// step. The history is kept.
func (w *Wizard) Restart(ctx context.Context, rctx *model.RequestContext) (view model.View, err error) {
	o := w.begin(ctx, rctx, "restart")
	var s model.Session
	defer func() { o.end(&s, err) }()

	if s, err = loadSession(o.ctx, o.ps); err != nil {
		return model.View{}, err
	}
	if s.Deployment.Status == model.DeploymentInFlight {
		return w.view(s), model.NewConflictError("deployment already in progress").AtStep(s.Step)
	}
	from := s.Step
	if s, err = destroySession(o.ctx, o.ps, s); err != nil {
		return model.View{}, err
	}
	w.metrics.RecordTransition(from.String(), s.Step.String(), dirReset)
	w.record(o, &s, model.HistoryEntry{Event: "restarted", From: from, To: s.Step})
	o.log.Info("wizard: session restarted")
	return w.view(s), nil
}

func (w *Wizard) checkPatch(patch map[string]json.RawMessage) []model.FieldError {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var details []model.FieldError
	fail := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	for _, key := range keys {
		raw := bytes.TrimSpace(patch[key])
		kind, known := fieldKinds[key]
		if !known {
			fail(key, "UNKNOWN", "unknown field")
			continue
		}
		if bytes.Equal(raw, []byte("null")) {
			continue
		}

		switch kind {
		case kindString:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				fail(key, "TYPE", "must be a string")
				continue
			}
			switch key {
			case model.FieldTravelLimitMode:
				if v != model.TravelLimitMiles && v != model.TravelLimitMinutes {
					fail(key, "ENUM", "must be miles or minutes")
				}
			case model.FieldPlanTier:
				if !slices.Contains(w.cfg.PlanTiers, v) {
					fail(key, "ENUM", "unknown plan tier")
				}
			}
		case kindNumber:
			var v float64
			if err := json.Unmarshal(raw, &v); err != nil {
				fail(key, "TYPE", "must be a number")
				continue
			}
			if v < 0 {
				fail(key, "RANGE", "must not be negative")
			}
		case kindSchedule:
			details = append(details, checkSchedule(raw)...)
		}
	}
	return details
}

func checkSchedule(raw json.RawMessage) []model.FieldError {
	var sched map[string]model.DayHours
	if err := json.Unmarshal(raw, &sched); err != nil {
		return []model.FieldError{{Field: model.FieldSchedule, Code: "TYPE", Message: "must be an object of weekday hours"}}
	}
	var details []model.FieldError
	for _, day := range model.Weekdays {
		hours, ok := sched[day]
		if !ok || hours.Closed {
			continue
		}
		field := model.FieldSchedule + "." + day
		if hours.Open != "" && !clockPattern.MatchString(hours.Open) {
			details = append(details, model.FieldError{Field: field + ".open", Code: "FORMAT", Message: "time must be HH:MM"})
		}
		if hours.Close != "" && !clockPattern.MatchString(hours.Close) {
			details = append(details, model.FieldError{Field: field + ".close", Code: "FORMAT", Message: "time must be HH:MM"})
		}
	}
	days := make([]string, 0, len(sched))
	for day := range sched {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		if !slices.Contains(model.Weekdays, day) {
			details = append(details, model.FieldError{Field: model.FieldSchedule + "." + day, Code: "UNKNOWN", Message: "unknown weekday"})
		}
	}
	return details
}
