package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const executionColumns = `
	id, message_id, trigger, claim_token, status, scheduled_for, started_at,
	finished_at, recipient_count, success_count, failure_count, skipped_count,
	error, cancel_requested, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID,
		&e.MessageID,
		&e.Trigger,
		&e.ClaimToken,
		&e.Status,
		&e.ScheduledFor,
		&e.StartedAt,
		&e.FinishedAt,
		&e.RecipientCount,
		&e.SuccessCount,
		&e.FailureCount,
		&e.SkippedCount,
		&e.Error,
		&e.CancelRequested,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectExecutions(rows pgx.Rows) ([]*Execution, error) {
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// sourceStatuses lists the statuses an execution may move to `to` from.
func sourceStatuses(to ExecutionStatus) []string {
	var from []string
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning} {
		if CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

// CreateExecution inserts a pending execution. A second unfinished execution
// for the same message violates the one-open index and yields ErrClaimConflict.
func (r *Repository) CreateExecution(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (
			id, message_id, trigger, claim_token, status, scheduled_for
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID,
		e.MessageID,
		e.Trigger,
		e.ClaimToken,
		e.Status,
		e.ScheduledFor,
	).Scan(&e.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("open execution exists for %s: %w", e.MessageID, ErrClaimConflict)
	}
	if err != nil {
		r.logger.Error("failed to create execution",
			zap.Error(err),
			zap.String("message_id", e.MessageID.String()),
		)
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// StartExecution persists the resolved recipient set and moves the execution
// to running in one transaction. It only succeeds while the message's claim
// is still held under the execution's token; otherwise nothing is written and
// ErrClaimConflict is returned.
func (r *Repository) StartExecution(ctx context.Context, e *Execution, recipients []*Recipient) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var skipped int
	for _, rc := range recipients {
		if rc.Status == RecipientSkipped {
			skipped++
		}
	}

	query := `
		UPDATE executions e
		SET status = 'running',
		    started_at = $3,
		    recipient_count = $4,
		    skipped_count = $5
		FROM scheduled_messages m
		WHERE e.id = $1
		  AND e.status = 'pending'
		  AND m.id = e.message_id
		  AND m.claim_token = $2
		  AND m.claim_expires_at >= $3
	`
	tag, err := tx.Exec(ctx, query, e.ID, e.ClaimToken, e.StartedAt, len(recipients), skipped)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"recipients"},
		[]string{"id", "execution_id", "position", "contact_id", "address", "status", "error", "attempts", "created_at", "updated_at"},
		pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
			rc := recipients[i]
			return []any{rc.ID, e.ID, i, rc.ContactID, rc.Address, string(rc.Status), rc.Error, rc.Attempts, rc.CreatedAt, rc.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for _, rc := range recipients {
		rc.ExecutionID = e.ID
	}
	e.Status = ExecutionRunning
	e.RecipientCount = len(recipients)
	e.SkippedCount = skipped
	return nil
}

// RecordDelivery stores the final outcome of one recipient. A recipient only
// leaves pending once; a second write returns ErrInvalidTransition.
func (r *Repository) RecordDelivery(ctx context.Context, rc *Recipient) error {
	query := `
		UPDATE recipients
		SET status = $2,
		    error = $3,
		    attempts = $4,
		    sent_at = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, rc.ID, rc.Status, rc.Error, rc.Attempts, rc.SentAt)
	if err != nil {
		r.logger.Error("failed to record delivery",
			zap.Error(err),
			zap.String("recipient_id", rc.ID.String()),
		)
		return fmt.Errorf("update recipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FinishExecution writes the terminal status and counters of e.
func (r *Repository) FinishExecution(ctx context.Context, e *Execution) error {
	if !e.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", e.Status, ErrInvalidTransition)
	}

	query := `
		UPDATE executions
		SET status = $2,
		    success_count = $3,
		    failure_count = $4,
		    skipped_count = $5,
		    error = $6,
		    finished_at = $7
		WHERE id = $1 AND status = ANY($8)
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		e.ID,
		e.Status,
		e.SuccessCount,
		e.FailureCount,
		e.SkippedCount,
		e.Error,
		e.FinishedAt,
		sourceStatuses(e.Status),
	)
	if err != nil {
		r.logger.Error("failed to finish execution",
			zap.Error(err),
			zap.String("execution_id", e.ID.String()),
		)
		return fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}

	r.logger.Info("execution finished",
		zap.String("execution_id", e.ID.String()),
		zap.String("message_id", e.MessageID.String()),
		zap.String("status", string(e.Status)),
		zap.Int("sent", e.SuccessCount),
		zap.Int("failed", e.FailureCount),
		zap.Int("skipped", e.SkippedCount),
	)
	return nil
}

// RequestCancel flags an unfinished execution for cancellation. The processor
// holding the claim observes the flag on its next heartbeat.
func (r *Repository) RequestCancel(ctx context.Context, id uuid.UUID) (*Execution, error) {
	query := `
		UPDATE executions
		SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + executionColumns

	e, err := scanExecution(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetExecution(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return e, nil
}

// GetExecution retrieves an execution by ID
func (r *Repository) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	e, err := scanExecution(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns executions, newest first
func (r *Repository) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE ($1::uuid IS NULL OR message_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, f.MessageID, string(f.Status), pageLimit(f.Limit), f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListRecipients returns the recipients of an execution in resolution order
func (r *Repository) ListRecipients(ctx context.Context, executionID uuid.UUID, f RecipientFilter) ([]*Recipient, error) {
	query := `
		SELECT id, execution_id, contact_id, address, status, error, attempts,
		       sent_at, created_at, updated_at
		FROM recipients
		WHERE execution_id = $1
		  AND ($2 = '' OR status = $2)
		ORDER BY position
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, executionID, string(f.Status), pageLimit(f.Limit), f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(
			&rc.ID,
			&rc.ExecutionID,
			&rc.ContactID,
			&rc.Address,
			&rc.Status,
			&rc.Error,
			&rc.Attempts,
			&rc.SentAt,
			&rc.CreatedAt,
			&rc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, &rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}

// ReconcileOrphans cancels executions left pending or running whose claim is
// gone, expired or held under a different token, then frees expired claims.
// Counters are rebuilt from the recipients already recorded.
func (r *Repository) ReconcileOrphans(ctx context.Context, now time.Time) ([]*Execution, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		UPDATE executions e
		SET status = 'cancelled',
		    finished_at = $1,
		    error = 'orphaned: claim lost before completion',
		    success_count = (SELECT COUNT(*) FROM recipients r WHERE r.execution_id = e.id AND r.status = 'sent'),
		    failure_count = (SELECT COUNT(*) FROM recipients r WHERE r.execution_id = e.id AND r.status = 'failed'),
		    skipped_count = (SELECT COUNT(*) FROM recipients r WHERE r.execution_id = e.id AND r.status = 'skipped')
		FROM scheduled_messages m
		WHERE m.id = e.message_id
		  AND e.status IN ('pending', 'running')
		  AND (m.claim_token IS NULL OR m.claim_token <> e.claim_token OR m.claim_expires_at < $1)
		RETURNING ` + prefixed("e", executionColumns)

	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("cancel orphaned executions: %w", err)
	}
	orphans, err := collectExecutions(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_messages
		SET claim_token = NULL, claim_expires_at = NULL
		WHERE claim_expires_at < $1
	`, now); err != nil {
		return nil, fmt.Errorf("release expired claims: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return orphans, nil
}

// ListFinishedExecutions returns executions finalized in [q.From, q.Before).
func (r *Repository) ListFinishedExecutions(ctx context.Context, q FinishedExecutionsQuery) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE finished_at IS NOT NULL
		  AND finished_at >= $1
		  AND finished_at < $2
		  AND ($3::uuid IS NULL OR message_id = $3)
		ORDER BY finished_at
	`

	rows, err := r.db.Pool().Query(ctx, query, q.From, q.Before, q.MessageID)
	if err != nil {
		return nil, fmt.Errorf("query finished executions: %w", err)
	}
	return collectExecutions(rows)
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
