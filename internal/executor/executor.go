// Package executor runs a single detection rule end to end: it derives the
// scan window and query, drives the search-after loop and reports the outcome
// to the status store, event bus and metrics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/messaging"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/query"
	"github.com/telhawk-systems/telhawk-detect/internal/searchafter"
	"github.com/telhawk-systems/telhawk-detect/internal/state"
)

var ErrNoIndex = errors.New("rule has no index patterns")

// Loop runs the scan-and-create loop.
type Loop interface {
	Run(ctx context.Context, rule *models.RuleParams, cfg searchafter.Config) models.RunOutcome
}

// EventPublisher announces finished runs.
type EventPublisher interface {
	PublishRun(ctx context.Context, ev messaging.RunEvent) error
}

// RunRecorder records finished runs as metrics.
type RunRecorder interface {
	Run(outcome models.RunOutcome)
}

// Config holds the engine defaults applied to every rule.
type Config struct {
	SignalsIndex               string
	DefaultPageSize            int
	MaxPageSize                int
	DefaultMaxSignals          int
	MaxConsecutiveErrorBatches int
	// DefaultLookback is used for rules with neither From nor Interval.
	DefaultLookback time.Duration
}

// ConfigFromEngine maps the engine configuration section.
func ConfigFromEngine(e config.EngineConfig) Config {
	return Config{
		SignalsIndex:               e.SignalsIndex,
		DefaultPageSize:            e.DefaultPageSize,
		MaxPageSize:                e.MaxPageSize,
		DefaultMaxSignals:          e.DefaultMaxSignals,
		MaxConsecutiveErrorBatches: e.MaxConsecutiveErrorBatches,
		DefaultLookback:            5 * time.Minute,
	}
}

type Executor struct {
	loop    Loop
	queries *query.Builder
	cfg     Config

	status  state.Store
	events  EventPublisher
	metrics RunRecorder
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Executor)

func WithStatusStore(s state.Store) Option {
	return func(e *Executor) { e.status = s }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(e *Executor) { e.events = p }
}

func WithMetrics(r RunRecorder) Option {
	return func(e *Executor) { e.metrics = r }
}

func WithLogger(logger *logging.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(loop Loop, queries *query.Builder, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		loop:    loop,
		queries: queries,
		cfg:     cfg,
		logger:  logging.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs rule once. Reporting failures are logged and do not change
// the returned outcome.
func (e *Executor) Execute(ctx context.Context, rule *models.RuleParams) models.RunOutcome {
	ctx = logging.ContextWithRunID(ctx, e.newID())
	logger := e.logger.With(logging.RuleID(rule.ID), logging.RuleName(rule.Name))

	if !rule.Enabled {
		outcome := models.RunOutcome{
			RuleID:    rule.ID,
			Success:   true,
			Reason:    models.ReasonDisabled,
			StartedAt: e.now(),
		}
		logger.DebugContext(ctx, "rule disabled, skipping")
		e.recordMetrics(outcome)
		return outcome
	}

	runCfg, err := e.runConfig(rule)
	if err != nil {
		outcome := models.RunOutcome{
			RuleID:    rule.ID,
			Reason:    models.ReasonInvalidRule,
			StartedAt: e.now(),
			LastError: err,
		}
		logger.ErrorContext(ctx, "rule cannot be executed", logging.Error(err))
		e.report(ctx, logger, rule, outcome)
		return outcome
	}

	outcome := e.loop.Run(ctx, rule, runCfg)
	e.report(ctx, logger, rule, outcome)
	return outcome
}

func (e *Executor) runConfig(rule *models.RuleParams) (searchafter.Config, error) {
	if len(rule.Index) == 0 {
		return searchafter.Config{}, ErrNoIndex
	}
	window, err := query.WindowFor(rule, e.now(), e.cfg.DefaultLookback)
	if err != nil {
		return searchafter.Config{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	return searchafter.Config{
		Index:                      rule.Index,
		Query:                      e.queries.Build(rule, window),
		PageSize:                   e.PageSize(rule),
		MaxSignals:                 e.MaxSignals(rule),
		MaxConsecutiveErrorBatches: e.cfg.MaxConsecutiveErrorBatches,
	}, nil
}

// PageSize returns the rule's page size, defaulted and capped.
func (e *Executor) PageSize(rule *models.RuleParams) int {
	size := rule.PageSize
	if size <= 0 {
		size = e.cfg.DefaultPageSize
	}
	if e.cfg.MaxPageSize > 0 && size > e.cfg.MaxPageSize {
		size = e.cfg.MaxPageSize
	}
	return size
}

// MaxSignals returns the rule's signal budget.
func (e *Executor) MaxSignals(rule *models.RuleParams) int {
	if rule.MaxSignals > 0 {
		return rule.MaxSignals
	}
	return e.cfg.DefaultMaxSignals
}

// report is detached from ctx cancellation.
func (e *Executor) report(ctx context.Context, logger *logging.Logger, rule *models.RuleParams, outcome models.RunOutcome) {
	ctx = context.WithoutCancel(ctx)

	if e.status != nil {
		if err := e.status.Record(ctx, outcome); err != nil {
			logger.WarnContext(ctx, "failed to record rule status", logging.Error(err))
		}
	}
	if e.events != nil {
		ev := messaging.NewRunEvent(rule, e.cfg.SignalsIndex, outcome)
		if err := e.events.PublishRun(ctx, ev); err != nil {
			logger.WarnContext(ctx, "failed to publish run event", logging.Error(err))
		}
	}
	e.recordMetrics(outcome)
}

func (e *Executor) recordMetrics(outcome models.RunOutcome) {
	if e.metrics != nil {
		e.metrics.Run(outcome)
	}
}
