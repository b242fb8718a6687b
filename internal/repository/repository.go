// Package repository stores detection rule parameters.
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

var ErrRuleNotFound = errors.New("detection rule not found")

// ListRulesRequest filters ListRules. The zero value lists every rule.
type ListRulesRequest struct {
	EnabledOnly      bool
	ExcludeImmutable bool
	Limit            int // Zero means no limit
	Offset           int
}

// Repository is the rule parameter source.
type Repository interface {
	ListRules(ctx context.Context, req ListRulesRequest) ([]*models.RuleParams, error)
	// GetRule looks a rule up by storage id or by rule_id.
	GetRule(ctx context.Context, id string) (*models.RuleParams, error)
	// UpsertRule creates the rule or replaces the stored one with the same id,
	// bumping its version.
	UpsertRule(ctx context.Context, rule *models.RuleParams) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Close()
}

func (req ListRulesRequest) matches(rule *models.RuleParams) bool {
	if req.EnabledOnly && !rule.Enabled {
		return false
	}
	if req.ExcludeImmutable && rule.Immutable {
		return false
	}
	return true
}

// page applies Offset and Limit to rules already sorted.
func (req ListRulesRequest) page(rules []*models.RuleParams) []*models.RuleParams {
	if req.Offset > 0 {
		if req.Offset >= len(rules) {
			return []*models.RuleParams{}
		}
		rules = rules[req.Offset:]
	}
	if req.Limit > 0 && req.Limit < len(rules) {
		rules = rules[:req.Limit]
	}
	return rules
}

// sortRules orders by name then id, matching the Postgres listing.
func sortRules(rules []*models.RuleParams) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
}
