// Package state tracks the last execution status of each rule.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// Rule run statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RuleStatus is the persisted summary of a rule's most recent runs.
type RuleStatus struct {
	RuleID    string    `json:"rule_id"`
	Status    string    `json:"status"`
	LastRunAt time.Time `json:"last_run_at"`

	LastSuccessAt      time.Time `json:"last_success_at,omitzero"`
	LastFailureAt      time.Time `json:"last_failure_at,omitzero"`
	LastFailureMessage string    `json:"last_failure_message,omitempty"`

	LastReason     models.TerminationReason `json:"last_reason"`
	LastCreated    int                      `json:"last_created"`
	LastDuplicates int                      `json:"last_duplicates"`
	LastErrors     int                      `json:"last_errors"`
	LastDuration   time.Duration            `json:"last_duration_ns"`
}

// Apply folds outcome into the status.
func (s *RuleStatus) Apply(outcome models.RunOutcome) {
	s.RuleID = outcome.RuleID
	s.LastRunAt = outcome.StartedAt
	s.LastReason = outcome.Reason
	s.LastCreated = outcome.Created
	s.LastDuplicates = outcome.Duplicates
	s.LastErrors = outcome.Errors
	s.LastDuration = outcome.Duration

	finished := outcome.StartedAt.Add(outcome.Duration)
	if outcome.Success {
		s.Status = StatusSucceeded
		s.LastSuccessAt = finished
		return
	}
	s.Status = StatusFailed
	s.LastFailureAt = finished
	s.LastFailureMessage = outcome.Err()
}

// Store reads and records rule statuses. Get returns nil without error for a
// rule that has never run.
type Store interface {
	Get(ctx context.Context, ruleID string) (*RuleStatus, error)
	Record(ctx context.Context, outcome models.RunOutcome) error
}

// MemoryStore keeps statuses in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]RuleStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]RuleStatus)}
}

func (m *MemoryStore) Get(_ context.Context, ruleID string) (*RuleStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[ruleID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) Record(_ context.Context, outcome models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statuses[outcome.RuleID]
	st.Apply(outcome)
	m.statuses[outcome.RuleID] = st
	return nil
}
