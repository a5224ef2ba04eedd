package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/recurrence"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimConflict means another processor already holds the message's claim.
// It is an expected concurrency outcome, not a failure.
var ErrClaimConflict = errors.New("claim held by another processor")

// ErrInvalidTransition is returned when a status update would move a record backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrStale is returned when a message changed between read and conditional write.
var ErrStale = errors.New("message modified concurrently")

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// SendType describes when a scheduled message runs.
type SendType string

const (
	SendImmediate SendType = "immediate"
	SendOnce      SendType = "scheduled_once"
	SendRecurring SendType = "recurring"
)

// MessageStatus is the lifecycle status of a ScheduledMessage.
type MessageStatus string

const (
	MessageDraft     MessageStatus = "draft"
	MessageActive    MessageStatus = "active"
	MessagePaused    MessageStatus = "paused"
	MessageCompleted MessageStatus = "completed"
	MessageCancelled MessageStatus = "cancelled"
)

// Terminal reports whether no further runs can happen.
func (s MessageStatus) Terminal() bool {
	return s == MessageCompleted || s == MessageCancelled
}

// Payload is the content sent to every recipient.
type Payload struct {
	Text        string `json:"text"`
	Subject     string `json:"subject,omitempty"`
	TemplateRef string `json:"template_ref,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
}

// RecipientSpec is resolved into recipients at dispatch time.
type RecipientSpec struct {
	ContactIDs []uuid.UUID `json:"contact_ids,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
}

// ScheduledMessage is an operator's intent to send a message once or repeatedly.
// NextRunAt is non-nil iff Status is active.
type ScheduledMessage struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	Channel         string           `json:"channel"`
	Payload         Payload          `json:"payload"`
	Recipients      RecipientSpec    `json:"recipients"`
	SendType        SendType         `json:"send_type"`
	ScheduledAt     *time.Time       `json:"scheduled_at,omitempty"`
	Rule            *recurrence.Rule `json:"rule,omitempty"`
	Status          MessageStatus    `json:"status"`
	NextRunAt       *time.Time       `json:"next_run_at,omitempty"`
	PausedNextRunAt *time.Time       `json:"paused_next_run_at,omitempty"`
	OccurrenceCount int              `json:"occurrence_count"`
	LastRunAt       *time.Time       `json:"last_run_at,omitempty"`
	Revision        int              `json:"revision"` // bumped on every definition edit
	ClaimToken      *uuid.UUID       `json:"-"`
	ClaimExpiresAt  *time.Time       `json:"-"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ExecutionStatus is the lifecycle status of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartial, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an execution may move from one status to another.
//
//	pending -> running | failed | cancelled
//	running -> completed | failed | partial | cancelled
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionPending:
		return to == ExecutionRunning || to == ExecutionFailed || to == ExecutionCancelled
	case ExecutionRunning:
		return to.Terminal()
	}
	return false
}

// Trigger records what started an execution.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Execution is one concrete attempt to dispatch a ScheduledMessage.
type Execution struct {
	ID              uuid.UUID       `json:"id"`
	MessageID       uuid.UUID       `json:"message_id"`
	Trigger         string          `json:"trigger"`
	ClaimToken      uuid.UUID       `json:"-"`
	Status          ExecutionStatus `json:"status"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	RecipientCount  int             `json:"recipient_count"`
	SuccessCount    int             `json:"success_count"`
	FailureCount    int             `json:"failure_count"`
	SkippedCount    int             `json:"skipped_count"`
	Error           *string         `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RecipientStatus is the delivery status of one recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Skip reasons recorded on skipped recipients.
const (
	ReasonNoAddress       = "no-address"
	ReasonContactNotFound = "contact-not-found"
)

// Recipient is a single addressable target within an Execution.
type Recipient struct {
	ID          uuid.UUID       `json:"id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	ContactID   *uuid.UUID      `json:"contact_id,omitempty"`
	Address     string          `json:"address"`
	Status      RecipientStatus `json:"status"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Contact is read from the external contact store.
type Contact struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone,omitempty"`
	Email string    `json:"email,omitempty"`
	Tags  []string  `json:"tags,omitempty"`
}

// Tally counts recipients by final status.
type Tally struct {
	Sent    int
	Failed  int
	Skipped int
	Pending int
}

// Total is the number of recipients counted.
func (t Tally) Total() int {
	return t.Sent + t.Failed + t.Skipped + t.Pending
}

// Outcome maps a finished fan-out to the execution's terminal status.
// Zero recipients count as completed.
func Outcome(t Tally) ExecutionStatus {
	undelivered := t.Failed + t.Skipped
	switch {
	case t.Sent > 0 && undelivered == 0:
		return ExecutionCompleted
	case t.Sent > 0:
		return ExecutionPartial
	case undelivered > 0:
		return ExecutionFailed
	default:
		return ExecutionCompleted
	}
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	MessageID *uuid.UUID
	Status    ExecutionStatus
	Limit     int
	Offset    int
}

// RecipientFilter narrows recipient listings.
type RecipientFilter struct {
	Status RecipientStatus
	Limit  int
	Offset int
}

// MessageFilter narrows scheduled message listings.
type MessageFilter struct {
	Status MessageStatus
	Limit  int
	Offset int
}

// RunResult is written back to a ScheduledMessage when a claimed run ends.
type RunResult struct {
	Advance         bool // false for manual runs and resolution failures
	NextRunAt       *time.Time
	OccurrenceCount int
	LastRunAt       time.Time
	// Revision is the definition NextRunAt was computed from. When the
	// message was edited during the run the edit's schedule is kept.
	Revision int
}

// RunControl is what a claim holder learns when renewing its lease.
type RunControl struct {
	MessageStatus   MessageStatus
	CancelRequested bool
}

// FinishedExecutionsQuery selects executions finalized within a window.
type FinishedExecutionsQuery struct {
	MessageID *uuid.UUID
	From      time.Time
	Before    time.Time
}
