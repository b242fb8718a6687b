package models

import (
	"encoding/json"
	"time"
)

// SignalStatusOpen is the status of a freshly generated signal.
const SignalStatusOpen = "open"

// Ancestor types
const (
	AncestorTypeEvent  = "event"
	AncestorTypeSignal = "signal"
)

// SignalDocument is an alert document generated from one matched hit.
type SignalDocument struct {
	// DocumentID is the bulk _id. It is derived from the source document and
	// rule so that re-running a rule over the same input collides.
	DocumentID string `json:"-"`

	Timestamp time.Time
	// Source holds the matched document's original fields.
	Source map[string]interface{}
	Signal Signal
}

// Signal is the "signal" object embedded in every SignalDocument.
type Signal struct {
	ID           string     `json:"id"`
	Parent       Ancestor   `json:"parent"`
	Ancestors    []Ancestor `json:"ancestors"`
	OriginalTime string     `json:"original_time,omitempty"`
	Status       string     `json:"status"`
	Rule         SignalRule `json:"rule"`
}

// Ancestor identifies a document in a signal's lineage.
type Ancestor struct {
	Rule  string `json:"rule,omitempty"`
	ID    string `json:"id"`
	Type  string `json:"type"`
	Index string `json:"index"`
	Depth int    `json:"depth"`
}

// SignalRule is the rule metadata copied into a signal.
type SignalRule struct {
	ID          string       `json:"id"`
	RuleID      string       `json:"rule_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Severity    string       `json:"severity,omitempty"`
	RiskScore   int          `json:"risk_score"`
	Query       string       `json:"query,omitempty"`
	Language    string       `json:"language,omitempty"`
	Index       []string     `json:"index"`
	MaxSignals  int          `json:"max_signals"`
	Interval    string       `json:"interval"`
	From        string       `json:"from,omitempty"`
	Actions     []RuleAction `json:"actions"`
	Tags        []string     `json:"tags"`
	Throttle    string       `json:"throttle,omitempty"`
	Enabled     bool         `json:"enabled"`
	Immutable   bool         `json:"immutable"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CreatedBy   string       `json:"created_by"`
	UpdatedBy   string       `json:"updated_by"`
}

// MarshalJSON flattens the document: the original source fields at the top
// level, overlaid with "@timestamp" and "signal".
func (d SignalDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Source)+2)
	for k, v := range d.Source {
		out[k] = v
	}
	out["@timestamp"] = d.Timestamp.UTC().Format(time.RFC3339Nano)
	out["signal"] = d.Signal
	return json.Marshal(out)
}
