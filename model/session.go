package model

import (
	"strconv"
	"time"
)

// Step is the position of a workflow session in the activation sequence.
type Step int

// Activation steps, in order.
const (
	StepIdentity Step = iota + 1
	StepIntelligence
	StepLogistics
	StepActivation
	StepHandshake
	StepSuccess
)

// FirstStep and LastStep bound every persisted step value.
const (
	FirstStep = StepIdentity
	LastStep  = StepSuccess
)

var stepNames = map[Step]string{
	StepIdentity:     "identity",
	StepIntelligence: "intelligence",
	StepLogistics:    "logistics",
	StepActivation:   "activation",
	StepHandshake:    "handshake",
	StepSuccess:      "success",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "step(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s lies within [FirstStep, LastStep].
func (s Step) Valid() bool {
	return s >= FirstStep && s <= LastStep
}

// Clamp forces s into [FirstStep, LastStep].
func (s Step) Clamp() Step {
	switch {
	case s < FirstStep:
		return FirstStep
	case s > LastStep:
		return LastStep
	}
	return s
}

// CheckoutStatus is the local view of an external checkout session.
type CheckoutStatus string

const (
	CheckoutAbsent   CheckoutStatus = "absent"
	CheckoutPending  CheckoutStatus = "pending"
	CheckoutVerified CheckoutStatus = "verified"
	CheckoutCanceled CheckoutStatus = "canceled"
)

// Checkout records the checkout session started for a workflow session.
// Verified is terminal.
type Checkout struct {
	SessionID  string         `json:"session_id,omitempty"`
	Status     CheckoutStatus `json:"status"`
	VerifiedAt *time.Time     `json:"verified_at,omitempty"`
}

// IsVerified reports whether payment has been confirmed.
func (c Checkout) IsVerified() bool {
	return c.Status == CheckoutVerified
}

// HasPending reports whether a started checkout still awaits verification.
func (c Checkout) HasPending() bool {
	return c.Status == CheckoutPending && c.SessionID != ""
}

// DeploymentStatus is the state of the provisioning call for a session.
type DeploymentStatus string

const (
	DeploymentNotStarted DeploymentStatus = "not_started"
	DeploymentInFlight   DeploymentStatus = "in_flight"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Deployment records the provisioning attempt for a session. AttemptID
// identifies the confirmation that started the in-flight call, so a late
// response for a superseded attempt can be recognised and dropped.
type Deployment struct {
	Status     DeploymentStatus `json:"status"`
	ResourceID string           `json:"resource_id,omitempty"`
	AttemptID  string           `json:"attempt_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
}

// Consent records the caller's acceptance of the service terms.
type Consent struct {
	Accepted   bool       `json:"accepted"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// HistoryEntry is one record in a session's audit trail.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	From   Step      `json:"from,omitempty"`
	To     Step      `json:"to,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Session is one caller's attempt to move through activation to a
// provisioned resource.
type Session struct {
	Step       Step           `json:"step"`
	Fields     Fields         `json:"fields"`
	Checkout   Checkout       `json:"checkout"`
	Deployment Deployment     `json:"deployment"`
	Consent    Consent        `json:"consent"`
	History    []HistoryEntry `json:"history,omitempty"`
}

// NewSession returns the empty session created on first visit.
func NewSession() Session {
	return Session{
		Step:       FirstStep,
		Checkout:   Checkout{Status: CheckoutAbsent},
		Deployment: Deployment{Status: DeploymentNotStarted},
	}
}

// AccessDecision is the outcome of the eligibility check run when the
// workflow mounts.
type AccessDecision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
	// ResetForm is set when the caller has never onboarded and nothing has
	// been staged locally, so the form starts blank.
	ResetForm bool `json:"-"`
}

// ReconcileKind discriminates the outcome of reconciling local state with
// the billing backend.
type ReconcileKind string

const (
	ReconcileResume        ReconcileKind = "resume"
	ReconcileAlreadyActive ReconcileKind = "already_active"
	ReconcileFresh         ReconcileKind = "fresh"
)

// ReconcileResult is returned by the reconcile pass run once per mount.
type ReconcileResult struct {
	Kind ReconcileKind `json:"kind"`
}

// ReturnParams are the checkout return markers found on the URL the UI
// was loaded from.
type ReturnParams struct {
	Success   bool
	SessionID string
	Canceled  bool
}

// View is the state returned to the UI after every wizard operation.
type View struct {
	Session         Session          `json:"session"`
	StepName        string           `json:"step_name"`
	ScheduleSummary string           `json:"schedule_summary"`
	Access          *AccessDecision  `json:"access,omitempty"`
	Reconcile       *ReconcileResult `json:"reconcile,omitempty"`
	Notice          string           `json:"notice,omitempty"`
	Error           *ErrorEnvelope   `json:"error,omitempty"`
	RedirectURL     string           `json:"redirect_url,omitempty"`
	ResourcePath    string           `json:"resource_path,omitempty"`
}

// DeploymentConfirmation is issued before provisioning and must be echoed
// back to start the call.
type DeploymentConfirmation struct {
	Token     string              `json:"token"`
	ExpiresAt time.Time           `json:"expires_at"`
	Payload   ProvisioningRequest `json:"payload"`
}
