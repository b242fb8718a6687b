// Package signals builds signal documents from matched hits.
package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// Builder maps hits to signal documents. It is safe for concurrent use when
// its clock and ID generator are.
type Builder struct {
	timestampField string
	now            func() time.Time
	newID          func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the build-time clock.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides the signal ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(b *Builder) { b.newID = newID }
}

// NewBuilder creates a Builder reading the original event time from
// timestampField.
func NewBuilder(timestampField string, opts ...Option) *Builder {
	if timestampField == "" {
		timestampField = "@timestamp"
	}
	b := &Builder{
		timestampField: timestampField,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the signal document for hit generated by rule.
func (b *Builder) Build(hit models.Hit, rule *models.RuleParams) models.SignalDocument {
	parent, ancestors := lineage(hit)

	return models.SignalDocument{
		DocumentID: DocumentID(hit.Index, hit.ID, rule.ID),
		Timestamp:  b.now().UTC(),
		Source:     hit.Source,
		Signal: models.Signal{
			ID:           b.newID(),
			Parent:       parent,
			Ancestors:    ancestors,
			OriginalTime: originalTime(lookup(hit.Source, b.timestampField)),
			Status:       models.SignalStatusOpen,
			Rule:         ruleMetadata(rule),
		},
	}
}

// BuildAll builds one document per hit, preserving hit order.
func (b *Builder) BuildAll(hits []models.Hit, rule *models.RuleParams) []models.SignalDocument {
	docs := make([]models.SignalDocument, 0, len(hits))
	for _, hit := range hits {
		docs = append(docs, b.Build(hit, rule))
	}
	return docs
}

// DocumentID derives the bulk _id for the signal generated from the source
// document (index, id) by rule ruleID. Fields are NUL-separated.
func DocumentID(index, id, ruleID string) string {
	h := sha256.New()
	h.Write([]byte(index))
	h.Write([]byte{0})
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(ruleID))
	return hex.EncodeToString(h.Sum(nil))
}

// lineage returns the parent entry for hit and the full ancestor chain. When
// the hit is itself a signal, its chain is extended by one level.
func lineage(hit models.Hit) (models.Ancestor, []models.Ancestor) {
	parent := models.Ancestor{
		ID:    hit.ID,
		Type:  models.AncestorTypeEvent,
		Index: hit.Index,
		Depth: 1,
	}

	sig, ok := hit.Source["signal"].(map[string]interface{})
	if !ok {
		return parent, []models.Ancestor{parent}
	}

	parent.Type = models.AncestorTypeSignal
	if rule, ok := sig["rule"].(map[string]interface{}); ok {
		parent.Rule, _ = rule["id"].(string)
	}
	if p, ok := sig["parent"].(map[string]interface{}); ok {
		parent.Depth = toInt(p["depth"]) + 1
	}

	var ancestors []models.Ancestor
	if raw, ok := sig["ancestors"].([]interface{}); ok {
		for _, a := range raw {
			m, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			anc := models.Ancestor{Depth: toInt(m["depth"])}
			anc.Rule, _ = m["rule"].(string)
			anc.ID, _ = m["id"].(string)
			anc.Type, _ = m["type"].(string)
			anc.Index, _ = m["index"].(string)
			ancestors = append(ancestors, anc)
		}
	}
	return parent, append(ancestors, parent)
}

func ruleMetadata(rule *models.RuleParams) models.SignalRule {
	actions := rule.Actions
	if actions == nil {
		actions = []models.RuleAction{}
	}
	tags := rule.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.SignalRule{
		ID:          rule.ID,
		RuleID:      rule.RuleID,
		Name:        rule.Name,
		Description: rule.Description,
		Severity:    rule.Severity,
		RiskScore:   rule.RiskScore,
		Query:       rule.Query,
		Language:    rule.Language,
		Index:       rule.Index,
		MaxSignals:  rule.MaxSignals,
		Interval:    rule.Interval,
		From:        rule.From,
		Actions:     actions,
		Tags:        tags,
		Throttle:    rule.Throttle,
		Enabled:     rule.Enabled,
		Immutable:   rule.Immutable,
		Version:     rule.Version,
		CreatedAt:   rule.CreatedAt,
		UpdatedAt:   rule.UpdatedAt,
		CreatedBy:   rule.CreatedBy,
		UpdatedBy:   rule.UpdatedBy,
	}
}
