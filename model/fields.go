package model

import (
	"fmt"
	"strings"
)

// Field keys as stored in the workflow.fields object.
const (
	FieldBusinessName         = "business_name"
	FieldAreaCode             = "area_code"
	FieldIndustry             = "industry"
	FieldTone                 = "tone"
	FieldSchedule             = "schedule"
	FieldServiceFee           = "service_fee"
	FieldEmergencyFee         = "emergency_fee"
	FieldTransferNumber       = "transfer_number"
	FieldCalendarLink         = "calendar_link"
	FieldDispatchBaseLocation = "dispatch_base_location"
	FieldTravelLimitValue     = "travel_limit_value"
	FieldTravelLimitMode      = "travel_limit_mode"
	FieldPlanTier             = "plan_tier"
)

// Travel limit modes.
const (
	TravelLimitMiles   = "miles"
	TravelLimitMinutes = "minutes"
)

// Fields holds the configuration values staged by the caller. Top-level keys
// merge shallowly: a partial update replaces whole values, never parts of a
// nested value such as the schedule.
type Fields struct {
	BusinessName         string   `json:"business_name,omitempty"`
	AreaCode             string   `json:"area_code,omitempty"`
	Industry             string   `json:"industry,omitempty"`
	Tone                 string   `json:"tone,omitempty"`
	Schedule             Schedule `json:"schedule,omitempty"`
	ServiceFee           string   `json:"service_fee,omitempty"`
	EmergencyFee         string   `json:"emergency_fee,omitempty"`
	TransferNumber       string   `json:"transfer_number,omitempty"`
	CalendarLink         string   `json:"calendar_link,omitempty"`
	DispatchBaseLocation string   `json:"dispatch_base_location,omitempty"`
	TravelLimitValue     float64  `json:"travel_limit_value,omitempty"`
	TravelLimitMode      string   `json:"travel_limit_mode,omitempty"`
	PlanTier             string   `json:"plan_tier,omitempty"`
}

// Staged reports whether the caller has started entering data: an identity
// or an industry value is present.
func (f Fields) Staged() bool {
	return strings.TrimSpace(f.BusinessName) != "" || strings.TrimSpace(f.Industry) != ""
}

// DayHours are the operating hours for one weekday.
type DayHours struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

func (d DayHours) isOpen() bool {
	return !d.Closed && d.Open != "" && d.Close != ""
}

// Schedule maps lower-case weekday abbreviations (mon..sun) to hours.
type Schedule map[string]DayHours

// Weekdays lists the schedule keys in calendar order.
var Weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var weekdayLabels = map[string]string{
	"mon": "Mon", "tue": "Tue", "wed": "Wed", "thu": "Thu",
	"fri": "Fri", "sat": "Sat", "sun": "Sun",
}

// Summary renders the schedule as text, grouping consecutive days that share
// the same hours, e.g. "Mon-Fri 08:00-17:00, Sat 09:00-12:00".
func (s Schedule) Summary() string {
	var parts []string
	start := -1
	var current DayHours

	flush := func(end int) {
		if start < 0 {
			return
		}
		label := weekdayLabels[Weekdays[start]]
		if end > start {
			label += "-" + weekdayLabels[Weekdays[end]]
		}
		parts = append(parts, fmt.Sprintf("%s %s-%s", label, current.Open, current.Close))
		start = -1
	}

	for i, day := range Weekdays {
		hours, ok := s[day]
		if !ok || !hours.isOpen() {
			flush(i - 1)
			continue
		}
		if start >= 0 && hours.Open == current.Open && hours.Close == current.Close {
			continue
		}
		flush(i - 1)
		start = i
		current = hours
	}
	flush(len(Weekdays) - 1)

	if len(parts) == 0 {
		return "by appointment"
	}
	return strings.Join(parts, ", ")
}
