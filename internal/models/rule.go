// Package models defines the data types shared by the detection engine.
package models

import "time"

// RuleAction is a notification action attached to a rule. The engine copies
// actions into each signal and does not interpret them.
type RuleAction struct {
	ID           string                 `json:"id" yaml:"id"`
	Group        string                 `json:"group" yaml:"group"`
	ActionTypeID string                 `json:"action_type_id" yaml:"action_type_id"`
	Params       map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// RuleParams is the immutable description of a detection rule as loaded for
// one execution.
type RuleParams struct {
	ID          string `json:"id" yaml:"id"`           // Storage identifier
	RuleID      string `json:"rule_id" yaml:"rule_id"` // Stable, human-assigned identifier
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    string `json:"severity" yaml:"severity"`
	RiskScore   int    `json:"risk_score" yaml:"risk_score"`

	Query    string                   `json:"query" yaml:"query"`
	Language string                   `json:"language,omitempty" yaml:"language,omitempty"`
	Filters  []map[string]interface{} `json:"filters,omitempty" yaml:"filters,omitempty"`
	Index    []string                 `json:"index" yaml:"index"`

	// MaxSignals is the documents budget for one run. Zero means unset.
	MaxSignals int `json:"max_signals" yaml:"max_signals"`
	// PageSize is the per-page search size. Zero uses the engine default.
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`

	Interval string `json:"interval" yaml:"interval"`           // e.g. "5m"
	From     string `json:"from,omitempty" yaml:"from,omitempty"` // lookback, e.g. "now-6m"

	Actions  []RuleAction `json:"actions" yaml:"actions"`
	Tags     []string     `json:"tags" yaml:"tags"`
	Throttle string       `json:"throttle,omitempty" yaml:"throttle,omitempty"`

	Enabled   bool `json:"enabled" yaml:"enabled"`
	Immutable bool `json:"immutable" yaml:"immutable"` // Prepackaged rule
	Version   int  `json:"version" yaml:"version"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	CreatedBy string    `json:"created_by" yaml:"created_by"`
	UpdatedBy string    `json:"updated_by" yaml:"updated_by"`
}

// IntervalDuration parses Interval, returning def when empty or invalid.
func (r *RuleParams) IntervalDuration(def time.Duration) time.Duration {
	if r.Interval == "" {
		return def
	}
	d, err := ParseDuration(r.Interval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
