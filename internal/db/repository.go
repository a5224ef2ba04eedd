package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/recurrence"
)

// Repository handles database operations for scheduled messages, executions,
// recipients and the read-only contact tables.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Health checks the underlying pool.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

const messageColumns = `
	id, name, channel, payload, recipients, send_type, scheduled_at, rule,
	status, next_run_at, paused_next_run_at, occurrence_count, last_run_at,
	claim_token, claim_expires_at, created_by, created_at, updated_at, revision`

func scanMessage(row pgx.Row) (*ScheduledMessage, error) {
	var (
		m                           ScheduledMessage
		payload, recipients, ruleJS []byte
	)
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Channel,
		&payload,
		&recipients,
		&m.SendType,
		&m.ScheduledAt,
		&ruleJS,
		&m.Status,
		&m.NextRunAt,
		&m.PausedNextRunAt,
		&m.OccurrenceCount,
		&m.LastRunAt,
		&m.ClaimToken,
		&m.ClaimExpiresAt,
		&m.CreatedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Revision,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(recipients, &m.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if len(ruleJS) > 0 {
		var rule recurrence.Rule
		if err := json.Unmarshal(ruleJS, &rule); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		m.Rule = &rule
	}
	return &m, nil
}

// encodeMessage returns the JSONB columns of m.
func encodeMessage(m *ScheduledMessage) (payload, recipients, rule []byte, err error) {
	if payload, err = json.Marshal(m.Payload); err != nil {
		return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	if recipients, err = json.Marshal(m.Recipients); err != nil {
		return nil, nil, nil, fmt.Errorf("encode recipients: %w", err)
	}
	if m.Rule != nil {
		if rule, err = json.Marshal(m.Rule); err != nil {
			return nil, nil, nil, fmt.Errorf("encode rule: %w", err)
		}
	}
	return payload, recipients, rule, nil
}

// CreateMessage inserts a new scheduled message
func (r *Repository) CreateMessage(ctx context.Context, m *ScheduledMessage) error {
	payload, recipients, rule, err := encodeMessage(m)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scheduled_messages (
			id, name, channel, payload, recipients, send_type, scheduled_at, rule,
			status, next_run_at, paused_next_run_at, occurrence_count, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at, updated_at, revision
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		m.ID,
		m.Name,
		m.Channel,
		payload,
		recipients,
		m.SendType,
		m.ScheduledAt,
		rule,
		m.Status,
		m.NextRunAt,
		m.PausedNextRunAt,
		m.OccurrenceCount,
		m.CreatedBy,
	).Scan(&m.CreatedAt, &m.UpdatedAt, &m.Revision)

	if err != nil {
		r.logger.Error("failed to create scheduled message",
			zap.Error(err),
			zap.String("message_id", m.ID.String()),
		)
		return fmt.Errorf("insert scheduled message: %w", err)
	}

	r.logger.Info("scheduled message created",
		zap.String("message_id", m.ID.String()),
		zap.String("channel", m.Channel),
		zap.String("send_type", string(m.SendType)),
		zap.String("status", string(m.Status)),
	)

	return nil
}

// GetMessage retrieves a scheduled message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*ScheduledMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM scheduled_messages WHERE id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get scheduled message",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return nil, fmt.Errorf("query scheduled message: %w", err)
	}
	return m, nil
}

// ListMessages returns scheduled messages, newest first
func (r *Repository) ListMessages(ctx context.Context, f MessageFilter) ([]*ScheduledMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM scheduled_messages
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, string(f.Status), pageLimit(f.Limit), f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled messages: %w", err)
	}
	return out, nil
}

// UpdateMessage writes the editable fields and lifecycle status of m.
// The write only applies if the row is unchanged since m was read; otherwise
// ErrStale is returned. Run bookkeeping (occurrence count, last run, claim)
// is owned by the processor and is never overwritten here.
func (r *Repository) UpdateMessage(ctx context.Context, m *ScheduledMessage) error {
	payload, recipients, rule, err := encodeMessage(m)
	if err != nil {
		return err
	}

	query := `
		UPDATE scheduled_messages
		SET name = $2,
		    channel = $3,
		    payload = $4,
		    recipients = $5,
		    send_type = $6,
		    scheduled_at = $7,
		    rule = $8,
		    status = $9,
		    next_run_at = $10,
		    paused_next_run_at = $11,
		    revision = $13,
		    updated_at = NOW()
		WHERE id = $1 AND updated_at = $12
		RETURNING updated_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		m.ID,
		m.Name,
		m.Channel,
		payload,
		recipients,
		m.SendType,
		m.ScheduledAt,
		rule,
		m.Status,
		m.NextRunAt,
		m.PausedNextRunAt,
		m.UpdatedAt,
		m.Revision,
	).Scan(&m.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetMessage(ctx, m.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}
	if err != nil {
		r.logger.Error("failed to update scheduled message",
			zap.Error(err),
			zap.String("message_id", m.ID.String()),
		)
		return fmt.Errorf("update scheduled message: %w", err)
	}

	r.logger.Debug("scheduled message updated",
		zap.String("message_id", m.ID.String()),
		zap.String("status", string(m.Status)),
	)
	return nil
}

// DeleteMessage removes a message together with its executions and recipients
func (r *Repository) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM scheduled_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("scheduled message deleted", zap.String("message_id", id.String()))
	return nil
}

// ListDueMessages returns active messages whose next run is at or before now
// and whose claim is free or expired.
func (r *Repository) ListDueMessages(ctx context.Context, now time.Time, limit int) ([]*ScheduledMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM scheduled_messages
		WHERE status = 'active'
		  AND next_run_at <= $1
		  AND (claim_token IS NULL OR claim_expires_at < $1)
		ORDER BY next_run_at
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due messages: %w", err)
	}
	return out, nil
}

// ClaimMessage takes the message's claim with one conditional UPDATE.
//
// With due set, the message must be active and due at now; otherwise (manual
// trigger) it must be active or paused. ErrClaimConflict is returned when the
// claim is held by someone else or the message no longer qualifies.
func (r *Repository) ClaimMessage(ctx context.Context, id, token uuid.UUID, now time.Time, ttl time.Duration, due bool) (*ScheduledMessage, error) {
	query := `
		UPDATE scheduled_messages
		SET claim_token = $2,
		    claim_expires_at = $4
		WHERE id = $1
		  AND (claim_token IS NULL OR claim_expires_at < $3)
		  AND (
		        ($5 AND status = 'active' AND next_run_at <= $3)
		     OR (NOT $5 AND status IN ('active', 'paused'))
		  )
		RETURNING ` + messageColumns

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id, token, now, now.Add(ttl), due))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim scheduled message: %w", err)
	}
	return m, nil
}

// RenewClaim extends the lease held under token and reports whether the run
// should keep going.
func (r *Repository) RenewClaim(ctx context.Context, messageID, executionID, token uuid.UUID, expiresAt time.Time) (RunControl, error) {
	query := `
		WITH renewed AS (
			UPDATE scheduled_messages
			SET claim_expires_at = $3
			WHERE id = $1 AND claim_token = $2
			RETURNING status
		)
		SELECT renewed.status, e.cancel_requested
		FROM renewed, executions e
		WHERE e.id = $4
	`

	var rc RunControl
	err := r.db.Pool().QueryRow(ctx, query, messageID, token, expiresAt, executionID).
		Scan(&rc.MessageStatus, &rc.CancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunControl{}, ErrClaimConflict
	}
	if err != nil {
		return RunControl{}, fmt.Errorf("renew claim: %w", err)
	}
	return rc, nil
}

// CompleteRun releases the claim and, when res.Advance is set, records the
// occurrence and moves the schedule forward. A nil res.NextRunAt ends the
// series. Messages paused or cancelled during the run keep their status; a
// paused message receives the next run as its preserved resume point. If the
// definition was edited during the run (revision differs from res.Revision)
// the schedule written by the edit is left alone.
func (r *Repository) CompleteRun(ctx context.Context, id, token uuid.UUID, res RunResult) error {
	query := `
		UPDATE scheduled_messages
		SET claim_token = NULL,
		    claim_expires_at = NULL,
		    last_run_at = $6,
		    occurrence_count = CASE WHEN $3 THEN $5 ELSE occurrence_count END,
		    next_run_at = CASE
		        WHEN $3 AND revision = $7 AND status = 'active' THEN $4::timestamptz
		        ELSE next_run_at END,
		    paused_next_run_at = CASE
		        WHEN $3 AND revision = $7 AND status = 'paused' THEN $4::timestamptz
		        ELSE paused_next_run_at END,
		    status = CASE
		        WHEN $3 AND revision = $7 AND $4::timestamptz IS NULL AND status IN ('active', 'paused') THEN 'completed'
		        ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND claim_token = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, token, res.Advance, res.NextRunAt, res.OccurrenceCount, res.LastRunAt, res.Revision)
	if err != nil {
		r.logger.Error("failed to complete run",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

// ReleaseClaim drops the claim held under token without touching the schedule.
// Used when a run is abandoned before it started.
func (r *Repository) ReleaseClaim(ctx context.Context, id, token uuid.UUID) error {
	query := `
		UPDATE scheduled_messages
		SET claim_token = NULL, claim_expires_at = NULL
		WHERE id = $1 AND claim_token = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
