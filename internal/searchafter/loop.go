// Package searchafter pages through a rule's matches with search_after and
// bulk-creates a signal for every hit.
package searchafter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// ErrTooManyErrorBatches is returned when consecutive bulk batches reported
// per-item errors more times than allowed.
var ErrTooManyErrorBatches = errors.New("too many consecutive bulk batches with errors")

// Searcher fetches one page of hits.
type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error)
}

// SignalBuilder turns hits into signal documents.
type SignalBuilder interface {
	BuildAll(hits []models.Hit, rule *models.RuleParams) []models.SignalDocument
}

// BulkWriter persists one batch of signals.
type BulkWriter interface {
	BulkCreate(ctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error)
}

// Recorder receives per-page and per-batch measurements.
type Recorder interface {
	SearchPage(hits int)
	BulkBatch(created, duplicates, errored int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SearchPage(int)                         {}
func (nopRecorder) BulkBatch(int, int, int, time.Duration) {}

// Config controls one run.
type Config struct {
	Index []string
	Query map[string]interface{}

	PageSize int
	// MaxSignals is the documents budget. Zero or negative means unbounded.
	MaxSignals int
	// MaxConsecutiveErrorBatches fails the run once that many bulk batches in
	// a row had per-item errors. Zero disables the threshold.
	MaxConsecutiveErrorBatches int

	// SeedPage, when set, is a first page already fetched by the caller. It is
	// written before any search is issued.
	SeedPage *models.SearchResultPage
}

// Loop is the scan-and-create orchestrator. A Loop may be shared; each Run
// owns its own state.
type Loop struct {
	searcher Searcher
	builder  SignalBuilder
	writer   BulkWriter
	recorder Recorder
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r != nil {
			l.recorder = r
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func New(searcher Searcher, builder SignalBuilder, writer BulkWriter, opts ...Option) *Loop {
	l := &Loop{
		searcher: searcher,
		builder:  builder,
		writer:   writer,
		recorder: nopRecorder{},
		logger:   logging.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// runState is owned by a single Run invocation.
type runState struct {
	rule      *models.RuleParams
	cfg       Config
	cursor    Cursor
	outcome   models.RunOutcome
	errStreak int
	logger    *logging.Logger
}

func (s *runState) budgetMet() bool {
	return s.cfg.MaxSignals > 0 && s.outcome.Created >= s.cfg.MaxSignals
}

// pageSize never asks for more than the remaining budget.
func (s *runState) pageSize() int {
	size := s.cfg.PageSize
	if s.cfg.MaxSignals > 0 {
		if remaining := s.cfg.MaxSignals - s.outcome.Created; remaining < size {
			size = remaining
		}
	}
	return size
}

func (s *runState) finish(success bool, reason models.TerminationReason, err error) {
	s.outcome.Success = success
	s.outcome.Reason = reason
	s.outcome.LastError = err
}

// Run executes the loop for rule until the budget is met, input is exhausted
// or a terminal failure occurs. It always returns an outcome.
func (l *Loop) Run(ctx context.Context, rule *models.RuleParams, cfg Config) models.RunOutcome {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1
	}
	s := &runState{
		rule:   rule,
		cfg:    cfg,
		logger: l.logger.With(logging.RuleID(rule.ID), logging.RuleName(rule.Name)),
	}
	s.outcome.RuleID = rule.ID
	s.outcome.StartedAt = l.now()

	l.run(ctx, s)

	s.outcome.Duration = l.now().Sub(s.outcome.StartedAt)
	l.logOutcome(ctx, s)
	return s.outcome
}

func (l *Loop) run(ctx context.Context, s *runState) {
	if seed := s.cfg.SeedPage; seed != nil {
		if len(seed.Hits) == 0 {
			s.finish(true, models.ReasonZeroMatch, nil)
			return
		}
		if done := l.writeSeed(ctx, s, seed); done {
			return
		}
	}

	for !s.budgetMet() {
		if err := ctx.Err(); err != nil {
			s.finish(false, models.ReasonCancelled, err)
			return
		}

		size := s.pageSize()
		page, err := l.searcher.Search(ctx, models.SearchRequest{
			Index:       s.cfg.Index,
			Query:       s.cfg.Query,
			Size:        size,
			SearchAfter: s.cursor.SearchAfter(),
		})
		s.outcome.SearchCalls++
		if err != nil {
			s.finish(false, models.ReasonSearchFailed, err)
			return
		}
		l.recorder.SearchPage(len(page.Hits))

		if len(page.Hits) == 0 {
			if s.outcome.Pages == 0 {
				s.finish(true, models.ReasonZeroMatch, nil)
			} else {
				s.finish(true, models.ReasonExhausted, nil)
			}
			return
		}
		s.outcome.Pages++

		if err := s.cursor.Advance(page); err != nil {
			l.unusableCursor(ctx, s, err)
			return
		}

		if done := l.write(ctx, s, page); done {
			return
		}

		if len(page.Hits) < size {
			s.finish(true, models.ReasonExhausted, nil)
			return
		}
	}

	s.finish(true, models.ReasonBudgetReached, nil)
}

// writeSeed writes the caller's first page, then positions the cursor after
// it. A short or cursorless seed ends the run.
func (l *Loop) writeSeed(ctx context.Context, s *runState, seed *models.SearchResultPage) bool {
	size := s.pageSize()
	s.outcome.Pages++
	if done := l.write(ctx, s, seed); done {
		return true
	}
	if err := s.cursor.Advance(seed); err != nil {
		l.unusableCursor(ctx, s, err)
		return true
	}
	if len(seed.Hits) < size {
		s.finish(true, models.ReasonExhausted, nil)
		return true
	}
	return false
}

func (l *Loop) unusableCursor(ctx context.Context, s *runState, err error) {
	s.logger.ErrorContext(ctx, "search page has hits but no sort key, stopping",
		logging.Iteration(s.outcome.Pages),
		logging.Index(s.cfg.Index...),
	)
	s.finish(false, models.ReasonUnusableCursor, fmt.Errorf("page %d: %w", s.outcome.Pages, err))
}

// write builds and bulk-creates signals for page. It reports whether the run
// has terminated. The bulk call is not cancelled with ctx so an in-flight
// batch always completes.
func (l *Loop) write(ctx context.Context, s *runState, page *models.SearchResultPage) bool {
	docs := l.builder.BuildAll(page.Hits, s.rule)

	res, err := l.writer.BulkCreate(context.WithoutCancel(ctx), docs)
	s.outcome.BulkCalls++
	if err != nil {
		s.logger.ErrorContext(ctx, "bulk create failed",
			logging.Iteration(s.outcome.Pages),
			logging.Error(err),
		)
		s.finish(false, models.ReasonBulkFailed, err)
		return true
	}

	created, duplicates, errored := res.Counts()
	s.outcome.Created += created
	s.outcome.Duplicates += duplicates
	s.outcome.Errors += errored
	l.recorder.BulkBatch(created, duplicates, errored, res.Elapsed)

	s.logger.DebugContext(ctx, "bulk batch written",
		logging.Iteration(s.outcome.Pages),
		logging.Count(created),
		"duplicates", duplicates,
		logging.Duration(res.Elapsed),
	)

	if errored == 0 {
		s.errStreak = 0
		return false
	}

	s.errStreak++
	s.logger.WarnContext(ctx, "bulk batch had item errors",
		logging.Iteration(s.outcome.Pages),
		"errored", errored,
		logging.Reason(res.FirstError()),
	)
	if limit := s.cfg.MaxConsecutiveErrorBatches; limit > 0 && s.errStreak >= limit {
		s.finish(false, models.ReasonErrorThreshold,
			fmt.Errorf("%w: %d in a row, last: %s", ErrTooManyErrorBatches, s.errStreak, res.FirstError()))
		return true
	}
	return false
}

func (l *Loop) logOutcome(ctx context.Context, s *runState) {
	o := s.outcome
	attrs := []any{
		logging.Reason(string(o.Reason)),
		logging.Count(o.Created),
		"duplicates", o.Duplicates,
		"errors", o.Errors,
		"pages", o.Pages,
		logging.Duration(o.Duration),
	}
	if o.Success {
		s.logger.InfoContext(ctx, "search after and bulk create finished", attrs...)
		return
	}
	s.logger.ErrorContext(ctx, "search after and bulk create failed", append(attrs, logging.Error(o.LastError))...)
}
