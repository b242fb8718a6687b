package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// RunEvent is the payload published after every rule run.
type RunEvent struct {
	RuleID       string                   `json:"rule_id"`
	RuleName     string                   `json:"rule_name"`
	Severity     string                   `json:"severity,omitempty"`
	SignalsIndex string                   `json:"signals_index"`
	Success      bool                     `json:"success"`
	Reason       models.TerminationReason `json:"reason"`
	Created      int                      `json:"created"`
	Duplicates   int                      `json:"duplicates"`
	Errors       int                      `json:"errors"`
	Error        string                   `json:"error,omitempty"`
	StartedAt    time.Time                `json:"started_at"`
	DurationMS   int64                    `json:"duration_ms"`
}

// NewRunEvent builds the event for outcome of rule.
func NewRunEvent(rule *models.RuleParams, signalsIndex string, outcome models.RunOutcome) RunEvent {
	return RunEvent{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Severity:     rule.Severity,
		SignalsIndex: signalsIndex,
		Success:      outcome.Success,
		Reason:       outcome.Reason,
		Created:      outcome.Created,
		Duplicates:   outcome.Duplicates,
		Errors:       outcome.Errors,
		Error:        outcome.Err(),
		StartedAt:    outcome.StartedAt,
		DurationMS:   outcome.Duration.Milliseconds(),
	}
}

// EventPublisher publishes run events as JSON.
type EventPublisher struct {
	pub Publisher
}

func NewEventPublisher(pub Publisher) *EventPublisher {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &EventPublisher{pub: pub}
}

// PublishRun publishes ev to the completed-runs subject and, when signals
// were created, to the signals subject.
func (p *EventPublisher) PublishRun(ctx context.Context, ev RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	var errs []error
	if err := p.pub.Publish(ctx, SubjectRunsCompleted, data); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", SubjectRunsCompleted, err))
	}
	if ev.Created > 0 {
		if err := p.pub.Publish(ctx, SubjectSignalsCreated, data); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", SubjectSignalsCreated, err))
		}
	}
	return errors.Join(errs...)
}
