// Package export writes detection rules as NDJSON, one rule per line followed
// by an export-details line.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
)

// MissingRule names a requested rule that was not exported.
type MissingRule struct {
	RuleID string `json:"rule_id"`
}

// Details is the trailing line of every export.
type Details struct {
	ExportedCount     int           `json:"exported_count"`
	MissingRules      []MissingRule `json:"missing_rules"`
	MissingRulesCount int           `json:"missing_rules_count"`
}

// ExportAll writes every non-immutable rule in repo to w.
func ExportAll(ctx context.Context, repo repository.Repository, w io.Writer) (Details, error) {
	rules, err := repo.ListRules(ctx, repository.ListRulesRequest{ExcludeImmutable: true})
	if err != nil {
		return Details{}, fmt.Errorf("failed to list rules: %w", err)
	}
	return write(w, rules, nil)
}

// ExportRules writes the rules named by ids. Unknown and immutable rules are
// reported as missing.
func ExportRules(ctx context.Context, repo repository.Repository, ids []string, w io.Writer) (Details, error) {
	var rules []*models.RuleParams
	var missing []MissingRule

	for _, id := range ids {
		rule, err := repo.GetRule(ctx, id)
		switch {
		case errors.Is(err, repository.ErrRuleNotFound):
			missing = append(missing, MissingRule{RuleID: id})
		case err != nil:
			return Details{}, fmt.Errorf("failed to get rule %s: %w", id, err)
		case rule.Immutable:
			missing = append(missing, MissingRule{RuleID: id})
		default:
			rules = append(rules, rule)
		}
	}
	return write(w, rules, missing)
}

func write(w io.Writer, rules []*models.RuleParams, missing []MissingRule) (Details, error) {
	enc := json.NewEncoder(w)
	for _, rule := range rules {
		if err := enc.Encode(rule); err != nil {
			return Details{}, fmt.Errorf("failed to write rule %s: %w", rule.ID, err)
		}
	}

	if missing == nil {
		missing = []MissingRule{}
	}
	details := Details{
		ExportedCount:     len(rules),
		MissingRules:      missing,
		MissingRulesCount: len(missing),
	}
	if err := enc.Encode(details); err != nil {
		return Details{}, fmt.Errorf("failed to write export details: %w", err)
	}
	return details, nil
}

// ReadNDJSON parses an export back into rules. The export-details line and
// blank lines are skipped.
func ReadNDJSON(r io.Reader) ([]*models.RuleParams, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var rules []*models.RuleParams
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, ok := probe["exported_count"]; ok {
			continue
		}

		var rule models.RuleParams
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rules = append(rules, &rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return rules, nil
}
