// Package scheduler provides periodic execution of detection rules.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
	"github.com/telhawk-systems/telhawk-detect/internal/state"
)

// DefaultRuleInterval applies to rules without a usable interval.
const DefaultRuleInterval = 5 * time.Minute

// RuleExecutor runs one rule.
type RuleExecutor interface {
	Execute(ctx context.Context, rule *models.RuleParams) models.RunOutcome
}

// Scheduler checks enabled rules every interval and runs the ones that are
// due, one at a time.
type Scheduler struct {
	repo     repository.Repository
	exec     RuleExecutor
	status   state.Store
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewScheduler creates a scheduler that wakes up every interval.
func NewScheduler(repo repository.Repository, exec RuleExecutor, status state.Store, interval time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if status == nil {
		status = state.NewMemoryStore()
	}
	return &Scheduler{
		repo:     repo,
		exec:     exec,
		status:   status,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called or ctx is done. It
// blocks, so it is usually called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.started.Store(true)
	defer close(s.stopped)

	s.logger.Info("rule scheduler started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDue(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunDue(ctx)
		case <-s.stop:
			s.logger.Info("rule scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("rule scheduler context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit and waits for the current rule to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.stopped
	}
}

// RunDue executes every enabled rule that is due and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	rules, err := s.repo.ListRules(ctx, repository.ListRulesRequest{EnabledOnly: true})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list rules", logging.Error(err))
		return 0
	}

	ran := 0
	for _, rule := range rules {
		if s.stopping(ctx) {
			break
		}
		if !s.isDue(ctx, rule) {
			continue
		}
		outcome := s.exec.Execute(ctx, rule)
		ran++
		if !outcome.Success {
			s.logger.WarnContext(ctx, "rule run failed",
				logging.RuleID(rule.ID),
				logging.Reason(string(outcome.Reason)),
			)
		}
	}
	if ran > 0 {
		s.logger.DebugContext(ctx, "scheduled rules executed", logging.Count(ran))
	}
	return ran
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// isDue reports whether rule's interval has elapsed since its last run. A
// rule whose status cannot be read is treated as due.
func (s *Scheduler) isDue(ctx context.Context, rule *models.RuleParams) bool {
	status, err := s.status.Get(ctx, rule.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read rule status", logging.RuleID(rule.ID), logging.Error(err))
		return true
	}
	if status == nil || status.LastRunAt.IsZero() {
		return true
	}
	next := status.LastRunAt.Add(rule.IntervalDuration(DefaultRuleInterval))
	return !s.now().Before(next)
}
