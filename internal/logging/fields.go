package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the engine.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"
	FieldRuleID    = "rule_id"
	FieldRuleName  = "rule_name"
	FieldIteration = "iteration"
	FieldIndex     = "index"
	FieldCount     = "count"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldReason    = "reason"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RuleID returns a slog attribute for the rule ID.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// RuleName returns a slog attribute for the rule name.
func RuleName(name string) slog.Attr {
	return slog.String(FieldRuleName, name)
}

// Iteration returns a slog attribute for the loop iteration number.
func Iteration(n int) slog.Attr {
	return slog.Int(FieldIteration, n)
}

// Index returns a slog attribute for one or more index patterns.
func Index(patterns ...string) slog.Attr {
	return slog.Any(FieldIndex, patterns)
}

// Count returns a slog attribute for a document count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Reason returns a slog attribute for a termination reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}
