package model

import (
	"fmt"
	"time"
)

// Profile is the caller's record in the profile store.
type Profile struct {
	SubjectID         string     `json:"subject_id,omitempty"`
	BusinessName      string     `json:"business_name,omitempty"`
	Industry          string     `json:"industry,omitempty"`
	TransferNumber    string     `json:"transfer_number,omitempty"`
	Role              string     `json:"role,omitempty"`
	ConsentAcceptedAt *time.Time `json:"consent_accepted_at,omitempty"`
}

// HasIdentity reports whether the caller has onboarded before.
func (p Profile) HasIdentity() bool {
	return p.BusinessName != "" || p.Industry != ""
}

// ProfileUpdate is a partial profile write. Empty fields are left untouched
// by the profile store.
type ProfileUpdate struct {
	BusinessName   string `json:"business_name,omitempty"`
	TransferNumber string `json:"transfer_number,omitempty"`
}

// Subscription is the billing view of the caller's plan.
type Subscription struct {
	Status           string    `json:"status"`
	PlanType         string    `json:"plan_type"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// IsActive reports whether the subscription is paid up at the given instant.
func (s Subscription) IsActive(now time.Time) bool {
	switch s.Status {
	case "active", "trialing":
		return s.CurrentPeriodEnd.After(now)
	}
	return false
}

// CheckoutSessionRequest asks the billing backend for a hosted checkout.
type CheckoutSessionRequest struct {
	PlanTier   string `json:"plan_tier"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutSession is the hosted checkout created by the billing backend.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Fees are the prices quoted by the phone agent.
type Fees struct {
	Service   string `json:"service"`
	Emergency string `json:"emergency"`
}

// ProvisioningRequest is the payload that allocates an agent and its
// phone number.
type ProvisioningRequest struct {
	BusinessName         string  `json:"business_name"`
	Industry             string  `json:"industry"`
	AreaCode             string  `json:"area_code"`
	Tone                 string  `json:"tone,omitempty"`
	ScheduleSummary      string  `json:"schedule_summary"`
	Fees                 Fees    `json:"fees"`
	TransferNumber       string  `json:"transfer_number,omitempty"`
	CalendarLink         string  `json:"calendar_link,omitempty"`
	PlanTier             string  `json:"plan_tier,omitempty"`
	DispatchBaseLocation string  `json:"dispatch_base_location"`
	TravelLimitValue     float64 `json:"travel_limit_value"`
	TravelLimitMode      string  `json:"travel_limit_mode,omitempty"`
}

// ProvisioningResult identifies the allocated resource.
type ProvisioningResult struct {
	ResourceID string `json:"resource_id"`
}

// BackendError is a non-success response from a backend operation.
type BackendError struct {
	ServiceID   string
	OperationID string
	StatusCode  int
	Code        string
	Message     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s/%s returned %d: %s", e.ServiceID, e.OperationID, e.StatusCode, e.Message)
}

// Temporary reports whether the failure may succeed on a later attempt.
func (e *BackendError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
