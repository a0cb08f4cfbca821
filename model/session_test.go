package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStep_Clamp(t *testing.T) {
	tests := []struct {
		in, want Step
	}{
		{0, StepIdentity},
		{-3, StepIdentity},
		{StepLogistics, StepLogistics},
		{7, StepSuccess},
	}
	for _, tt := range tests {
		if got := tt.in.Clamp(); got != tt.want {
			t.Errorf("Step(%d).Clamp() = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.in.Clamp().Valid() {
			t.Errorf("Step(%d).Clamp() is not valid", tt.in)
		}
	}
}

func TestStep_String(t *testing.T) {
	if got := StepHandshake.String(); got != "handshake" {
		t.Errorf("String() = %q, want handshake", got)
	}
	if got := Step(9).String(); got != "step(9)" {
		t.Errorf("String() = %q, want step(9)", got)
	}
}

func TestNewSession(t *testing.T) {
	s := NewSession()
	if s.Step != StepIdentity {
		t.Errorf("Step = %v, want identity", s.Step)
	}
	if s.Checkout.Status != CheckoutAbsent {
		t.Errorf("Checkout.Status = %q", s.Checkout.Status)
	}
	if s.Deployment.Status != DeploymentNotStarted {
		t.Errorf("Deployment.Status = %q", s.Deployment.Status)
	}
	if s.Fields.Staged() {
		t.Error("new session must not have staged fields")
	}
}

func TestCheckout_HasPending(t *testing.T) {
	if (Checkout{Status: CheckoutPending}).HasPending() {
		t.Error("pending without session id should not count")
	}
	if !(Checkout{Status: CheckoutPending, SessionID: "cs_123"}).HasPending() {
		t.Error("pending with session id should count")
	}
	if (Checkout{Status: CheckoutVerified, SessionID: "cs_123"}).HasPending() {
		t.Error("verified checkout is not pending")
	}
}

func TestSubscription_IsActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"active future", Subscription{Status: "active", CurrentPeriodEnd: now.Add(time.Hour)}, true},
		{"trialing future", Subscription{Status: "trialing", CurrentPeriodEnd: now.Add(time.Hour)}, true},
		{"active expired", Subscription{Status: "active", CurrentPeriodEnd: now.Add(-time.Hour)}, false},
		{"canceled", Subscription{Status: "canceled", CurrentPeriodEnd: now.Add(time.Hour)}, false},
		{"empty", Subscription{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.IsActive(now); got != tt.want {
				t.Errorf("IsActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchedule_Summary(t *testing.T) {
	weekday := DayHours{Open: "08:00", Close: "17:00"}
	tests := []struct {
		name     string
		schedule Schedule
		want     string
	}{
		{"empty", nil, "by appointment"},
		{
			"weekdays and saturday",
			Schedule{
				"mon": weekday, "tue": weekday, "wed": weekday, "thu": weekday, "fri": weekday,
				"sat": {Open: "09:00", Close: "12:00"},
			},
			"Mon-Fri 08:00-17:00, Sat 09:00-12:00",
		},
		{
			"gap splits group",
			Schedule{"mon": weekday, "tue": {Closed: true}, "wed": weekday},
			"Mon 08:00-17:00, Wed 08:00-17:00",
		},
		{
			"every day",
			Schedule{
				"mon": weekday, "tue": weekday, "wed": weekday, "thu": weekday,
				"fri": weekday, "sat": weekday, "sun": weekday,
			},
			"Mon-Sun 08:00-17:00",
		},
		{
			"incomplete hours ignored",
			Schedule{"mon": {Open: "08:00"}, "sun": {Open: "10:00", Close: "14:00"}},
			"Sun 10:00-14:00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.schedule.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFields_shallowJSON(t *testing.T) {
	var f Fields
	raw := `{"business_name":"Apex Heating","travel_limit_value":25,"schedule":{"mon":{"open":"08:00","close":"17:00"}}}`
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.BusinessName != "Apex Heating" || f.TravelLimitValue != 25 {
		t.Errorf("decoded = %+v", f)
	}
	if f.Schedule["mon"].Open != "08:00" {
		t.Errorf("schedule = %+v", f.Schedule)
	}
	if !f.Staged() {
		t.Error("Staged() = false with business name present")
	}
}
