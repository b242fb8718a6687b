package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// RulesFile is the YAML layout of a rules file.
type RulesFile struct {
	Rules []*models.RuleParams `yaml:"rules"`
}

// MemoryRepository keeps rules in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]*models.RuleParams
	now   func() time.Time
}

// NewMemoryRepository returns a repository holding copies of rules.
func NewMemoryRepository(rules ...*models.RuleParams) *MemoryRepository {
	r := &MemoryRepository{
		rules: make(map[string]*models.RuleParams, len(rules)),
		now:   time.Now,
	}
	for _, rule := range rules {
		_ = r.UpsertRule(context.Background(), rule)
	}
	return r
}

// LoadRulesFile reads a YAML rules file into a MemoryRepository.
func LoadRulesFile(path string) (*MemoryRepository, error) {
	rules, err := ReadRulesFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryRepository(rules...), nil
}

// ReadRulesFile parses a YAML rules file.
func ReadRulesFile(path string) ([]*models.RuleParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	for i, rule := range file.Rules {
		if rule == nil {
			return nil, fmt.Errorf("rules file %s: rule %d is empty", path, i)
		}
		if rule.Name == "" {
			return nil, fmt.Errorf("rules file %s: rule %d has no name", path, i)
		}
	}
	return file.Rules, nil
}

func (r *MemoryRepository) ListRules(_ context.Context, req ListRulesRequest) ([]*models.RuleParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*models.RuleParams, 0, len(r.rules))
	for _, rule := range r.rules {
		if req.matches(rule) {
			rules = append(rules, clone(rule))
		}
	}
	sortRules(rules)
	return req.page(rules), nil
}

func (r *MemoryRepository) GetRule(_ context.Context, id string) (*models.RuleParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule := r.lookup(id); rule != nil {
		return clone(rule), nil
	}
	return nil, ErrRuleNotFound
}

func (r *MemoryRepository) UpsertRule(_ context.Context, rule *models.RuleParams) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prepare(rule)
	now := r.now().UTC()
	if existing, ok := r.rules[rule.ID]; ok {
		rule.Version = existing.Version + 1
		rule.CreatedAt = existing.CreatedAt
		rule.CreatedBy = existing.CreatedBy
	} else {
		if rule.Version == 0 {
			rule.Version = 1
		}
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
	}
	rule.UpdatedAt = now

	r.rules[rule.ID] = clone(rule)
	return nil
}

func (r *MemoryRepository) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule := r.lookup(id)
	if rule == nil {
		return ErrRuleNotFound
	}
	rule.Enabled = enabled
	rule.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepository) Close() {}

// lookup must be called with mu held.
func (r *MemoryRepository) lookup(id string) *models.RuleParams {
	if rule, ok := r.rules[id]; ok {
		return rule
	}
	for _, rule := range r.rules {
		if rule.RuleID == id {
			return rule
		}
	}
	return nil
}

// ruleIDNamespace scopes ids derived from a rule_id.
var ruleIDNamespace = uuid.MustParse("5c1e8a64-2f0b-4d3a-9e7c-6b1d0f4a8e21")

// prepare fills the identifiers of a new rule. A rule carrying only a rule_id
// always gets the same id, so signal ids stay stable across reloads.
func prepare(rule *models.RuleParams) {
	if rule.ID == "" && rule.RuleID != "" {
		rule.ID = uuid.NewSHA1(ruleIDNamespace, []byte(rule.RuleID)).String()
	}
	if rule.ID == "" {
		id, _ := uuid.NewV7()
		rule.ID = id.String()
	}
	if rule.RuleID == "" {
		rule.RuleID = rule.ID
	}
}

func clone(rule *models.RuleParams) *models.RuleParams {
	c := *rule
	c.Index = append([]string(nil), rule.Index...)
	c.Tags = append([]string(nil), rule.Tags...)
	c.Actions = append([]models.RuleAction(nil), rule.Actions...)
	c.Filters = append([]map[string]interface{}(nil), rule.Filters...)
	return &c
}
