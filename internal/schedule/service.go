// Package schedule implements the operator-facing lifecycle of scheduled
// messages: definition, activation, pause and resume, and cancellation.
//
//	draft  -> active | cancelled
//	active -> paused | cancelled | completed (processor, series exhausted)
//	paused -> active | cancelled
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/recurrence"
)

// ErrInvalidState is returned when an operation does not apply to the
// message's current status.
var ErrInvalidState = errors.New("operation not allowed in current status")

// ResumePolicy decides where a resumed message picks up.
type ResumePolicy string

const (
	// ResumePreserve restores the next run saved at pause time. A run that
	// fell due while paused fires once on the next tick.
	ResumePreserve ResumePolicy = "preserve"
	// ResumeRecompute computes the next occurrence after the resume instant.
	ResumeRecompute ResumePolicy = "recompute"
)

// ParseResumePolicy accepts "preserve" or "recompute".
func ParseResumePolicy(s string) (ResumePolicy, error) {
	switch p := ResumePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case ResumePreserve, ResumeRecompute:
		return p, nil
	case "":
		return ResumePreserve, nil
	default:
		return "", fmt.Errorf("unknown resume policy %q", s)
	}
}

type Store interface {
	CreateMessage(ctx context.Context, m *db.ScheduledMessage) error
	GetMessage(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	ListMessages(ctx context.Context, f db.MessageFilter) ([]*db.ScheduledMessage, error)
	UpdateMessage(ctx context.Context, m *db.ScheduledMessage) error
	DeleteMessage(ctx context.Context, id uuid.UUID) error
}

// Input is the operator-editable part of a message.
type Input struct {
	Name        string           `json:"name"`
	Channel     string           `json:"channel"`
	Payload     db.Payload       `json:"payload"`
	Recipients  db.RecipientSpec `json:"recipients"`
	SendType    db.SendType      `json:"send_type"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	Rule        *recurrence.Rule `json:"rule,omitempty"`
}

type Config struct {
	ResumePolicy ResumePolicy
}

type Service struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.ResumePolicy == "" {
		cfg.ResumePolicy = ResumePreserve
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Create stores a new message as a draft, or directly as active when
// activate is set.
func (s *Service) Create(ctx context.Context, in Input, createdBy string, activate bool) (*db.ScheduledMessage, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	m := &db.ScheduledMessage{
		ID:        uuid.New(),
		Status:    db.MessageDraft,
		CreatedBy: createdBy,
	}
	apply(m, in)

	if activate {
		next, err := s.firstRun(m)
		if err != nil {
			return nil, err
		}
		m.Status = db.MessageActive
		m.NextRunAt = &next
	}

	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.logger.Info("scheduled message created",
		zap.String("message_id", m.ID.String()),
		zap.String("send_type", string(m.SendType)),
		zap.String("status", string(m.Status)),
	)
	return m, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	return s.store.GetMessage(ctx, id)
}

func (s *Service) List(ctx context.Context, f db.MessageFilter) ([]*db.ScheduledMessage, error) {
	return s.store.ListMessages(ctx, f)
}

// Update replaces the definition of a draft, active or paused message. An
// active message's next run is recomputed from the new definition; a paused
// one drops its saved resume point.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*db.ScheduledMessage, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot edit a %s message", ErrInvalidState, m.Status)
	}

	apply(m, in)
	m.Revision++
	switch m.Status {
	case db.MessageActive:
		next, err := s.firstRun(m)
		if err != nil {
			return nil, err
		}
		m.NextRunAt = &next
	case db.MessagePaused:
		m.PausedNextRunAt = nil
	}

	if err := s.store.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Activate schedules a draft message's first run.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	return s.transition(ctx, id, "activate", func(m *db.ScheduledMessage) error {
		if m.Status != db.MessageDraft {
			return fmt.Errorf("%w: cannot activate a %s message", ErrInvalidState, m.Status)
		}
		next, err := s.firstRun(m)
		if err != nil {
			return err
		}
		m.Status = db.MessageActive
		m.NextRunAt = &next
		return nil
	})
}

// Pause stops future runs. An execution already running is not interrupted.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	return s.transition(ctx, id, "pause", func(m *db.ScheduledMessage) error {
		if m.Status != db.MessageActive {
			return fmt.Errorf("%w: cannot pause a %s message", ErrInvalidState, m.Status)
		}
		m.Status = db.MessagePaused
		m.PausedNextRunAt = m.NextRunAt
		m.NextRunAt = nil
		return nil
	})
}

// Resume reactivates a paused message according to the resume policy. A
// recurring series with no occurrences left completes instead.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	return s.transition(ctx, id, "resume", func(m *db.ScheduledMessage) error {
		if m.Status != db.MessagePaused {
			return fmt.Errorf("%w: cannot resume a %s message", ErrInvalidState, m.Status)
		}

		next := m.PausedNextRunAt
		if next == nil || s.config.ResumePolicy == ResumeRecompute {
			t, ok := s.nextAfter(m, s.now().UTC())
			if !ok {
				m.Status = db.MessageCompleted
				m.PausedNextRunAt = nil
				return nil
			}
			next = &t
		}

		m.Status = db.MessageActive
		m.NextRunAt = next
		m.PausedNextRunAt = nil
		return nil
	})
}

// Cancel ends the message for good. A running execution notices on its next
// lease renewal and stops.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	return s.transition(ctx, id, "cancel", func(m *db.ScheduledMessage) error {
		if m.Status.Terminal() {
			return fmt.Errorf("%w: message already %s", ErrInvalidState, m.Status)
		}
		m.Status = db.MessageCancelled
		m.NextRunAt = nil
		m.PausedNextRunAt = nil
		return nil
	})
}

// Delete removes the message and its execution history.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteMessage(ctx, id)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, op string, fn func(m *db.ScheduledMessage) error) (*db.ScheduledMessage, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	from := m.Status
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("scheduled message "+op,
		zap.String("message_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(m.Status)),
	)
	return m, nil
}

// firstRun is the run a newly active message is scheduled for. Immediate
// messages are due at once; a scheduled_at in the past is due at once.
func (s *Service) firstRun(m *db.ScheduledMessage) (time.Time, error) {
	now := s.now().UTC()
	switch m.SendType {
	case db.SendImmediate:
		return now, nil
	case db.SendOnce:
		return m.ScheduledAt.UTC(), nil
	default:
		next, ok := s.nextAfter(m, now)
		if !ok {
			return time.Time{}, invalid("rule", "no occurrences after %s", now.Format(time.RFC3339))
		}
		return next, nil
	}
}

func (s *Service) nextAfter(m *db.ScheduledMessage, after time.Time) (time.Time, bool) {
	switch m.SendType {
	case db.SendRecurring:
		if m.Rule == nil {
			return time.Time{}, false
		}
		return recurrence.Next(*m.Rule, after, m.OccurrenceCount)
	case db.SendImmediate:
		return after, m.OccurrenceCount == 0
	default:
		if m.ScheduledAt == nil || m.OccurrenceCount > 0 {
			return time.Time{}, false
		}
		return m.ScheduledAt.UTC(), true
	}
}

func apply(m *db.ScheduledMessage, in Input) {
	m.Name = strings.TrimSpace(in.Name)
	m.Channel = in.Channel
	m.Payload = in.Payload
	m.Recipients = in.Recipients
	m.SendType = in.SendType
	m.ScheduledAt = in.ScheduledAt
	m.Rule = in.Rule
}
