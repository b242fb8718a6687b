package models

import (
	"encoding/json"
	"time"
)

// TerminationReason names the condition that ended a run.
type TerminationReason string

const (
	ReasonZeroMatch      TerminationReason = "zero_match"
	ReasonExhausted      TerminationReason = "exhausted"
	ReasonBudgetReached  TerminationReason = "budget_reached"
	ReasonUnusableCursor TerminationReason = "unusable_cursor"
	ReasonSearchFailed   TerminationReason = "search_failed"
	ReasonBulkFailed     TerminationReason = "bulk_failed"
	ReasonErrorThreshold TerminationReason = "error_threshold"
	ReasonCancelled      TerminationReason = "cancelled"
	ReasonDisabled       TerminationReason = "disabled"
	ReasonInvalidRule    TerminationReason = "invalid_rule"
)

// RunOutcome is the aggregate result of one scan-and-create invocation.
type RunOutcome struct {
	RuleID      string            `json:"rule_id"`
	Success     bool              `json:"success"`
	Reason      TerminationReason `json:"reason"`
	Created     int               `json:"created"`
	Duplicates  int               `json:"duplicates"`
	Errors      int               `json:"errors"`
	Pages       int               `json:"pages"`
	SearchCalls int               `json:"search_calls"`
	BulkCalls   int               `json:"bulk_calls"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration_ns"`

	// LastError is the error that ended a failed run.
	LastError error `json:"-"`
}

// Err returns the run's last error message, or "" for a clean run.
func (o RunOutcome) Err() string {
	if o.LastError == nil {
		return ""
	}
	return o.LastError.Error()
}

// MarshalJSON adds the last error message.
func (o RunOutcome) MarshalJSON() ([]byte, error) {
	type plain RunOutcome
	return json.Marshal(struct {
		plain
		LastError string `json:"last_error,omitempty"`
	}{plain(o), o.Err()})
}
