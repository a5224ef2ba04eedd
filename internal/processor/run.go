package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/recurrence"
)

// launch claims the message, creates its pending execution and starts the run
// in the background. It returns a copy of the execution as created.
func (p *Processor) launch(ctx context.Context, messageID uuid.UUID, trigger string) (*db.Execution, error) {
	if p.isStopped() {
		return nil, ErrStopped
	}

	token := uuid.New()
	now := p.now()
	m, err := p.store.ClaimMessage(ctx, messageID, token, now, p.config.ClaimTTL, trigger == db.TriggerSchedule)
	if err != nil {
		if errors.Is(err, db.ErrClaimConflict) {
			metrics.RecordClaim("conflict")
			p.logger.Debug("message claimed elsewhere", zap.String("message_id", messageID.String()))
			return nil, err
		}
		metrics.RecordClaim("error")
		return nil, fmt.Errorf("claim message: %w", err)
	}
	metrics.RecordClaim("won")

	exec := &db.Execution{
		ID:         uuid.New(),
		MessageID:  m.ID,
		Trigger:    trigger,
		ClaimToken: token,
		Status:     db.ExecutionPending,
		CreatedAt:  now.UTC(),
	}
	if trigger == db.TriggerSchedule && m.NextRunAt != nil {
		at := *m.NextRunAt
		exec.ScheduledFor = &at
	}

	if err := p.store.CreateExecution(ctx, exec); err != nil {
		p.releaseClaim(m.ID, token)
		return nil, fmt.Errorf("create execution: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(p.base)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel(errShutdown)
		p.finish(ctx, exec, db.ExecutionCancelled, db.Tally{}, errShutdown)
		p.releaseClaim(m.ID, token)
		return nil, ErrStopped
	}
	p.wg.Add(1)
	p.runs[exec.ID] = cancel
	p.status.ExecutionsStarted++
	metrics.SetExecutionsInFlight(len(p.runs))
	p.mu.Unlock()

	created := *exec
	go p.run(runCtx, cancel, m, exec, token)
	return &created, nil
}

// run drives one execution from resolution to schedule advance.
func (p *Processor) run(ctx context.Context, cancel context.CancelCauseFunc, m *db.ScheduledMessage, exec *db.Execution, token uuid.UUID) {
	defer p.wg.Done()
	defer func() {
		cancel(nil)
		p.mu.Lock()
		delete(p.runs, exec.ID)
		metrics.SetExecutionsInFlight(len(p.runs))
		p.mu.Unlock()
	}()

	logger := p.logger.With(
		zap.String("message_id", m.ID.String()),
		zap.String("execution_id", exec.ID.String()),
		zap.String("trigger", exec.Trigger),
	)

	go p.heartbeat(ctx, cancel, m.ID, exec.ID, token)

	started := p.now().UTC()
	exec.StartedAt = &started

	res, err := p.resolver.Resolve(ctx, m.Recipients, m.Channel)
	if err != nil {
		if ctx.Err() != nil {
			p.abandon(ctx, m.ID, exec, token)
			return
		}
		// The schedule is left as it was so the next tick tries again.
		logger.Error("recipient resolution failed", zap.Error(err))
		p.finish(ctx, exec, db.ExecutionFailed, db.Tally{}, err)
		p.releaseClaim(m.ID, token)
		return
	}

	if err := p.store.StartExecution(ctx, exec, res.Recipients); err != nil {
		switch {
		case errors.Is(err, db.ErrClaimConflict):
			logger.Warn("claim lost before dispatch")
			p.finish(ctx, exec, db.ExecutionCancelled, db.Tally{}, errLeaseLost)
		case ctx.Err() != nil:
			p.abandon(ctx, m.ID, exec, token)
		default:
			logger.Error("failed to start execution", zap.Error(err))
			p.finish(ctx, exec, db.ExecutionFailed, db.Tally{}, err)
			p.releaseClaim(m.ID, token)
		}
		return
	}

	logger.Info("dispatching execution",
		zap.Int("recipients", len(res.Recipients)),
		zap.Int("skipped", res.Skipped),
	)

	tally := p.dispatcher.Dispatch(ctx, dispatch.Job{
		MessageID:   m.ID,
		ExecutionID: exec.ID,
		Channel:     m.Channel,
		Payload:     m.Payload,
		Recipients:  res.Recipients,
	})

	status := db.Outcome(tally)
	var runErr error
	if tally.Pending > 0 {
		status = db.ExecutionCancelled
		runErr = context.Cause(ctx)
	}
	p.finish(ctx, exec, status, tally, runErr)

	if errors.Is(context.Cause(ctx), errLeaseLost) {
		logger.Warn("claim lost during run, leaving schedule to the new holder")
		return
	}
	p.complete(ctx, m, exec, token, started)
}

// abandon ends a run cancelled before it reached running. The schedule does not move.
func (p *Processor) abandon(ctx context.Context, messageID uuid.UUID, exec *db.Execution, token uuid.UUID) {
	cause := context.Cause(ctx)
	p.finish(ctx, exec, db.ExecutionCancelled, db.Tally{}, cause)
	if !errors.Is(cause, errLeaseLost) {
		p.releaseClaim(messageID, token)
	}
}

// complete releases the claim and, for scheduled runs, advances the series
// from the instant this run started. Occurrences missed while the service
// was down are not replayed.
func (p *Processor) complete(ctx context.Context, m *db.ScheduledMessage, exec *db.Execution, token uuid.UUID, started time.Time) {
	res := db.RunResult{LastRunAt: started, Revision: m.Revision}
	if exec.Trigger == db.TriggerSchedule {
		res.Advance = true
		res.OccurrenceCount = m.OccurrenceCount + 1
		res.NextRunAt = nextRun(m, started, res.OccurrenceCount)
	}

	if err := p.store.CompleteRun(context.WithoutCancel(ctx), m.ID, token, res); err != nil {
		p.logger.Error("failed to complete run",
			zap.String("message_id", m.ID.String()),
			zap.String("execution_id", exec.ID.String()),
			zap.Error(err),
		)
		return
	}

	if res.Advance && res.NextRunAt == nil {
		p.logger.Info("message series completed",
			zap.String("message_id", m.ID.String()),
			zap.Int("occurrences", res.OccurrenceCount),
		)
	}
}

// nextRun is nil once a message has no further occurrences.
func nextRun(m *db.ScheduledMessage, after time.Time, occurrences int) *time.Time {
	if m.SendType != db.SendRecurring || m.Rule == nil {
		return nil
	}
	next, ok := recurrence.Next(*m.Rule, after, occurrences)
	if !ok {
		return nil
	}
	return &next
}

func (p *Processor) finish(ctx context.Context, exec *db.Execution, status db.ExecutionStatus, tally db.Tally, cause error) {
	now := p.now().UTC()
	exec.Status = status
	exec.SuccessCount = tally.Sent
	exec.FailureCount = tally.Failed
	exec.SkippedCount = tally.Skipped
	exec.FinishedAt = &now
	if cause != nil {
		msg := cause.Error()
		exec.Error = &msg
	}

	if err := p.store.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
		p.logger.Error("failed to finish execution",
			zap.String("execution_id", exec.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}

	metrics.RecordExecutionFinished(string(status), exec.Trigger)
	p.mu.Lock()
	p.status.ExecutionsFinished++
	p.mu.Unlock()

	p.publish(exec)
}

func (p *Processor) releaseClaim(messageID, token uuid.UUID) {
	if err := p.store.ReleaseClaim(context.Background(), messageID, token); err != nil && !errors.Is(err, db.ErrClaimConflict) {
		p.logger.Error("failed to release claim",
			zap.String("message_id", messageID.String()),
			zap.Error(err),
		)
	}
}

// heartbeat renews the claim lease every third of its TTL and cancels the run
// when the lease is lost, the execution is cancelled or the message is cancelled.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, messageID, executionID, token uuid.UUID) {
	ticker := time.NewTicker(p.config.ClaimTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ctrl, err := p.store.RenewClaim(ctx, messageID, executionID, token, p.now().Add(p.config.ClaimTTL))
		switch {
		case errors.Is(err, db.ErrClaimConflict):
			cancel(errLeaseLost)
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to renew claim",
				zap.String("message_id", messageID.String()),
				zap.Error(err),
			)
		case ctrl.CancelRequested:
			cancel(errCancelRequested)
			return
		case ctrl.MessageStatus == db.MessageCancelled:
			cancel(errMessageCancelled)
			return
		}
	}
}

func (p *Processor) publish(e *db.Execution) {
	if p.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publisher.PublishExecutionFinished(ctx, e); err != nil {
		p.logger.Warn("failed to publish execution event",
			zap.String("execution_id", e.ID.String()),
			zap.Error(err),
		)
	}
}

func (p *Processor) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
