// Package query renders detection rules into OpenSearch query DSL.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// Window is the time range a single run scans, inclusive on both ends.
type Window struct {
	From time.Time
	To   time.Time
}

// Builder renders rule queries against a configured timestamp field.
type Builder struct {
	timestampField string
}

// NewBuilder returns a Builder that bounds queries on timestampField.
func NewBuilder(timestampField string) *Builder {
	if timestampField == "" {
		timestampField = "@timestamp"
	}
	return &Builder{timestampField: timestampField}
}

// Build returns the DSL query object for params restricted to window. A zero
// window adds no range clause.
func (b *Builder) Build(params *models.RuleParams, window Window) map[string]interface{} {
	must := []interface{}{}
	filter := []interface{}{}

	if q := strings.TrimSpace(params.Query); q != "" && q != "*" {
		must = append(must, map[string]interface{}{
			"query_string": map[string]interface{}{
				"query":            q,
				"default_operator": "AND",
				"analyze_wildcard": true,
			},
		})
	}

	for _, f := range params.Filters {
		if len(f) > 0 {
			filter = append(filter, f)
		}
	}

	if !window.From.IsZero() || !window.To.IsZero() {
		bounds := map[string]interface{}{
			"format": "strict_date_optional_time",
		}
		if !window.From.IsZero() {
			bounds["gte"] = window.From.UTC().Format(time.RFC3339Nano)
		}
		if !window.To.IsZero() {
			bounds["lte"] = window.To.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{
				b.timestampField: bounds,
			},
		})
	}

	if len(must) == 0 && len(filter) == 0 {
		return map[string]interface{}{
			"match_all": map[string]interface{}{},
		}
	}

	boolQuery := make(map[string]interface{})
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	return map[string]interface{}{
		"bool": boolQuery,
	}
}

// WindowFor computes the scan window of a run starting at now. The lookback
// comes from params.From ("now-6m"); when unset, the rule interval is used,
// falling back to defaultLookback.
func WindowFor(params *models.RuleParams, now time.Time, defaultLookback time.Duration) (Window, error) {
	lookback := params.IntervalDuration(defaultLookback)
	if params.From != "" {
		d, err := ParseLookback(params.From)
		if err != nil {
			return Window{}, err
		}
		lookback = d
	}
	return Window{From: now.Add(-lookback), To: now}, nil
}

// ParseLookback parses a relative date expression of the form "now-<duration>".
// A bare duration is accepted as well.
func ParseLookback(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	if s == "now" {
		return 0, nil
	}
	s = strings.TrimPrefix(s, "now-")
	d, err := models.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid lookback %q: %w", expr, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid lookback %q: negative duration", expr)
	}
	return d, nil
}
