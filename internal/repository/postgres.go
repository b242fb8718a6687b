package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

const queryTimeout = 5 * time.Second

const ruleColumns = `
	id, rule_id, name, description, severity, risk_score, query, language,
	filters, index_patterns, max_signals, page_size, run_interval, lookback,
	actions, tags, throttle, enabled, immutable, version,
	created_at, updated_at, created_by, updated_by`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// ListRules returns rules ordered by name.
func (r *PostgresRepository) ListRules(ctx context.Context, req ListRulesRequest) ([]*models.RuleParams, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where := "WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if req.EnabledOnly {
		where += " AND enabled"
	}
	if req.ExcludeImmutable {
		where += " AND NOT immutable"
	}

	query := `SELECT ` + ruleColumns + ` FROM detection_rules ` + where + ` ORDER BY name, id`
	if req.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, req.Limit)
	}
	if req.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, req.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.RuleParams{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

func (r *PostgresRepository) GetRule(ctx context.Context, id string) (*models.RuleParams, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + ruleColumns + ` FROM detection_rules WHERE id = $1 OR rule_id = $1 ORDER BY (id = $1) DESC LIMIT 1`

	rule, err := scanRule(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

func (r *PostgresRepository) UpsertRule(ctx context.Context, rule *models.RuleParams) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	prepare(rule)

	filters, err := jsonb(rule.Filters, "filters")
	if err != nil {
		return err
	}
	index, err := jsonb(rule.Index, "index")
	if err != nil {
		return err
	}
	actions, err := jsonb(rule.Actions, "actions")
	if err != nil {
		return err
	}
	tags, err := jsonb(rule.Tags, "tags")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO detection_rules
		(id, rule_id, name, description, severity, risk_score, query, language,
		 filters, index_patterns, max_signals, page_size, run_interval, lookback,
		 actions, tags, throttle, enabled, immutable, version,
		 created_at, updated_at, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, 1, NOW(), NOW(), $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			rule_id = EXCLUDED.rule_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			severity = EXCLUDED.severity,
			risk_score = EXCLUDED.risk_score,
			query = EXCLUDED.query,
			language = EXCLUDED.language,
			filters = EXCLUDED.filters,
			index_patterns = EXCLUDED.index_patterns,
			max_signals = EXCLUDED.max_signals,
			page_size = EXCLUDED.page_size,
			run_interval = EXCLUDED.run_interval,
			lookback = EXCLUDED.lookback,
			actions = EXCLUDED.actions,
			tags = EXCLUDED.tags,
			throttle = EXCLUDED.throttle,
			enabled = EXCLUDED.enabled,
			immutable = EXCLUDED.immutable,
			version = detection_rules.version + 1,
			updated_at = NOW(),
			updated_by = EXCLUDED.updated_by
		RETURNING version, created_at, updated_at, created_by, updated_by`

	updatedBy := rule.UpdatedBy
	if updatedBy == "" {
		updatedBy = rule.CreatedBy
	}

	err = r.pool.QueryRow(ctx, query,
		rule.ID,
		rule.RuleID,
		rule.Name,
		rule.Description,
		rule.Severity,
		rule.RiskScore,
		rule.Query,
		rule.Language,
		filters,
		index,
		rule.MaxSignals,
		rule.PageSize,
		rule.Interval,
		rule.From,
		actions,
		tags,
		rule.Throttle,
		rule.Enabled,
		rule.Immutable,
		rule.CreatedBy,
		updatedBy,
	).Scan(&rule.Version, &rule.CreatedAt, &rule.UpdatedAt, &rule.CreatedBy, &rule.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE detection_rules SET enabled = $2, updated_at = NOW() WHERE id = $1 OR rule_id = $1`

	result, err := r.pool.Exec(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (*models.RuleParams, error) {
	var rule models.RuleParams
	var filters, index, actions, tags []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleID,
		&rule.Name,
		&rule.Description,
		&rule.Severity,
		&rule.RiskScore,
		&rule.Query,
		&rule.Language,
		&filters,
		&index,
		&rule.MaxSignals,
		&rule.PageSize,
		&rule.Interval,
		&rule.From,
		&actions,
		&tags,
		&rule.Throttle,
		&rule.Enabled,
		&rule.Immutable,
		&rule.Version,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.CreatedBy,
		&rule.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal(filters, &rule.Filters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(index, &rule.Index); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index: %w", err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	if err := json.Unmarshal(tags, &rule.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &rule, nil
}

// jsonb marshals v for a JSONB column; nil slices are stored as [].
func jsonb[T any](v []T, field string) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	return data, nil
}
