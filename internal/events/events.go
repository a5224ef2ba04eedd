// Package events defines the execution lifecycle events herald announces to
// downstream consumers and fans them out to every configured sink.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

// ExecutionFinished is the type of the event sent when an execution
// reaches a terminal status.
const ExecutionFinished = "execution.finished"

// Event is the payload sent to every sink.
type Event struct {
	Type           string     `json:"type"`
	ExecutionID    string     `json:"execution_id"`
	MessageID      string     `json:"message_id"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	RecipientCount int        `json:"recipient_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	SkippedCount   int        `json:"skipped_count"`
	Error          string     `json:"error,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PublishedAt    int64      `json:"published_at"`
}

// NewExecutionFinished builds the execution.finished event for e.
func NewExecutionFinished(e *db.Execution) Event {
	ev := Event{
		Type:           ExecutionFinished,
		ExecutionID:    e.ID.String(),
		MessageID:      e.MessageID.String(),
		Trigger:        e.Trigger,
		Status:         string(e.Status),
		RecipientCount: e.RecipientCount,
		SuccessCount:   e.SuccessCount,
		FailureCount:   e.FailureCount,
		SkippedCount:   e.SkippedCount,
		ScheduledFor:   e.ScheduledFor,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		PublishedAt:    time.Now().UnixNano(),
	}
	if e.Error != nil {
		ev.Error = *e.Error
	}
	return ev
}

// Sink receives finished executions.
type Sink interface {
	PublishExecutionFinished(ctx context.Context, e *db.Execution) error
}

// Fanout publishes to every sink and joins their errors. A failing sink does
// not stop the others.
type Fanout []Sink

// PublishExecutionFinished implements Sink.
func (f Fanout) PublishExecutionFinished(ctx context.Context, e *db.Execution) error {
	var errs []error
	for _, s := range f {
		if err := s.PublishExecutionFinished(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
