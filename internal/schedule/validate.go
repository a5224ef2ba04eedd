package schedule

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/herald/internal/db"
)

const maxNameLength = 200

// ValidationError rejects a message definition before anything is stored.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks a message definition.
func Validate(in Input) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return invalid("name", "required")
	}
	if len(name) > maxNameLength {
		return invalid("name", "longer than %d characters", maxNameLength)
	}

	switch in.Channel {
	case db.ChannelSMS, db.ChannelEmail, db.ChannelWebhook:
	default:
		return invalid("channel", "must be one of sms, email, webhook")
	}

	if strings.TrimSpace(in.Payload.Text) == "" && in.Payload.TemplateRef == "" {
		return invalid("payload", "text or template_ref is required")
	}
	if in.Channel == db.ChannelEmail && strings.TrimSpace(in.Payload.Subject) == "" {
		return invalid("payload.subject", "required for email")
	}

	if len(in.Recipients.ContactIDs) == 0 && len(in.Recipients.Tags) == 0 {
		return invalid("recipients", "at least one contact id or tag is required")
	}
	for _, tag := range in.Recipients.Tags {
		if strings.TrimSpace(tag) == "" {
			return invalid("recipients.tags", "empty tag")
		}
	}

	switch in.SendType {
	case db.SendImmediate:
		if in.ScheduledAt != nil || in.Rule != nil {
			return invalid("send_type", "immediate messages take no scheduled_at or rule")
		}
	case db.SendOnce:
		if in.ScheduledAt == nil {
			return invalid("scheduled_at", "required for scheduled_once")
		}
		if in.Rule != nil {
			return invalid("rule", "only allowed for recurring messages")
		}
	case db.SendRecurring:
		if in.Rule == nil {
			return invalid("rule", "required for recurring")
		}
		if err := in.Rule.Validate(); err != nil {
			return &ValidationError{Field: "rule", Err: err}
		}
	default:
		return invalid("send_type", "must be one of immediate, scheduled_once, recurring")
	}
	return nil
}
