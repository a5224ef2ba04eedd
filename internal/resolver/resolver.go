// Package resolver turns a message's recipient spec into the concrete,
// deduplicated recipient set of one execution.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ContactSource reads contacts from the CRM's contact store.
type ContactSource interface {
	ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Contact, error)
	ContactsByTags(ctx context.Context, tags []string) ([]db.Contact, error)
}

// ResolutionError means the contact store could not be read. The execution
// fails without dispatching; the schedule is left untouched.
type ResolutionError struct {
	Op  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve recipients: %s: %v", e.Op, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolution is the recipient set fixed for one execution, in resolution order.
type Resolution struct {
	Recipients  []*db.Recipient
	Deliverable int
	Skipped     int
}

// Resolver expands recipient specs at dispatch time.
type Resolver struct {
	source ContactSource
	logger *zap.Logger
	now    func() time.Time
}

// New creates a resolver reading from source
func New(source ContactSource, logger *zap.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the union of the explicit contacts (in the given order) and
// the contacts matching any tag. A contact appears once even when selected
// both ways, and two contacts sharing a normalized address yield one
// recipient. Contacts without an address for channel, and explicit IDs that
// no longer exist, are kept as skipped recipients so they show in the audit.
// An empty audience is a valid result.
func (r *Resolver) Resolve(ctx context.Context, spec db.RecipientSpec, channel string) (*Resolution, error) {
	var byID map[uuid.UUID]db.Contact
	if len(spec.ContactIDs) > 0 {
		found, err := r.source.ContactsByIDs(ctx, spec.ContactIDs)
		if err != nil {
			return nil, &ResolutionError{Op: "contacts by id", Err: err}
		}
		byID = make(map[uuid.UUID]db.Contact, len(found))
		for _, c := range found {
			byID[c.ID] = c
		}
	}

	var tagged []db.Contact
	if len(spec.Tags) > 0 {
		var err error
		tagged, err = r.source.ContactsByTags(ctx, spec.Tags)
		if err != nil {
			return nil, &ResolutionError{Op: "contacts by tag", Err: err}
		}
	}

	var (
		res       Resolution
		now       = r.now().UTC()
		seenID    = make(map[uuid.UUID]bool)
		seenAddr  = make(map[string]bool)
		duplicate int
	)

	add := func(contactID uuid.UUID, c *db.Contact) {
		if seenID[contactID] {
			return
		}
		seenID[contactID] = true

		id := contactID
		rc := &db.Recipient{
			ID:        uuid.New(),
			ContactID: &id,
			Status:    db.RecipientPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch {
		case c == nil:
			rc.Status = db.RecipientSkipped
			rc.Error = reason(db.ReasonContactNotFound)
		default:
			addr := Address(*c, channel)
			if addr == "" {
				rc.Status = db.RecipientSkipped
				rc.Error = reason(db.ReasonNoAddress)
				break
			}
			if seenAddr[addr] {
				duplicate++
				return
			}
			seenAddr[addr] = true
			rc.Address = addr
		}

		if rc.Status == db.RecipientSkipped {
			res.Skipped++
		} else {
			res.Deliverable++
		}
		res.Recipients = append(res.Recipients, rc)
	}

	for _, id := range spec.ContactIDs {
		if c, ok := byID[id]; ok {
			add(id, &c)
		} else {
			add(id, nil)
		}
	}
	for i := range tagged {
		add(tagged[i].ID, &tagged[i])
	}

	r.logger.Debug("recipients resolved",
		zap.Int("deliverable", res.Deliverable),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", duplicate),
		zap.String("channel", channel),
	)
	return &res, nil
}

// Address returns the normalized address of c for channel, or "" when the
// contact has none. Email is used for the email channel, the phone number for
// sms and webhook.
func Address(c db.Contact, channel string) string {
	switch channel {
	case db.ChannelEmail:
		return NormalizeEmail(c.Email)
	default:
		return NormalizePhone(c.Phone)
	}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

func reason(s string) *string { return &s }
