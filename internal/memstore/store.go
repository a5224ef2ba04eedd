// Package memstore is an in-process implementation of the herald store.
//
// It applies the same conditional transitions as the Postgres repository
// under a single mutex, and backs STORE_DRIVER=memory and package tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// Store keeps messages, executions, recipients and contacts in memory.
type Store struct {
	mu         sync.Mutex
	messages   map[uuid.UUID]*db.ScheduledMessage
	executions map[uuid.UUID]*db.Execution
	recipients map[uuid.UUID][]*db.Recipient // by execution
	contacts   []db.Contact
	lastWrite  time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		messages:   make(map[uuid.UUID]*db.ScheduledMessage),
		executions: make(map[uuid.UUID]*db.Execution),
		recipients: make(map[uuid.UUID][]*db.Recipient),
	}
}

// Health always succeeds.
func (s *Store) Health(ctx context.Context) error { return nil }

// stamp returns a write timestamp strictly after the previous one.
func (s *Store) stamp() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastWrite) {
		now = s.lastWrite.Add(time.Microsecond)
	}
	s.lastWrite = now
	return now
}

func (s *Store) CreateMessage(ctx context.Context, m *db.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.Revision == 0 {
		m.Revision = 1
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) ListMessages(ctx context.Context, f db.MessageFilter) ([]*db.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*db.ScheduledMessage
	for _, m := range s.messages {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	var out []*db.ScheduledMessage
	for _, m := range page(all, f.Limit, f.Offset) {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *db.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[m.ID]
	if !ok {
		return db.ErrNotFound
	}
	if !cur.UpdatedAt.Equal(m.UpdatedAt) {
		return db.ErrStale
	}

	next := cloneMessage(m)
	// Run bookkeeping belongs to the claim holder.
	next.OccurrenceCount = cur.OccurrenceCount
	next.LastRunAt = cur.LastRunAt
	next.ClaimToken = cur.ClaimToken
	next.ClaimExpiresAt = cur.ClaimExpiresAt
	next.CreatedAt = cur.CreatedAt
	next.CreatedBy = cur.CreatedBy
	next.UpdatedAt = s.stamp()

	s.messages[m.ID] = next
	m.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return db.ErrNotFound
	}
	delete(s.messages, id)
	for eid, e := range s.executions {
		if e.MessageID == id {
			delete(s.executions, eid)
			delete(s.recipients, eid)
		}
	}
	return nil
}

func claimFree(m *db.ScheduledMessage, now time.Time) bool {
	return m.ClaimToken == nil || (m.ClaimExpiresAt != nil && m.ClaimExpiresAt.Before(now))
}

func (s *Store) ListDueMessages(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*db.ScheduledMessage
	for _, m := range s.messages {
		if m.Status == db.MessageActive && m.NextRunAt != nil && !m.NextRunAt.After(now) && claimFree(m, now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })

	var out []*db.ScheduledMessage
	for _, m := range page(due, limit, 0) {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *Store) ClaimMessage(ctx context.Context, id, token uuid.UUID, now time.Time, ttl time.Duration, due bool) (*db.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || !claimFree(m, now) {
		return nil, db.ErrClaimConflict
	}
	if due {
		if m.Status != db.MessageActive || m.NextRunAt == nil || m.NextRunAt.After(now) {
			return nil, db.ErrClaimConflict
		}
	} else if m.Status != db.MessageActive && m.Status != db.MessagePaused {
		return nil, db.ErrClaimConflict
	}

	expires := now.Add(ttl)
	m.ClaimToken = &token
	m.ClaimExpiresAt = &expires
	return cloneMessage(m), nil
}

func (s *Store) RenewClaim(ctx context.Context, messageID, executionID, token uuid.UUID, expiresAt time.Time) (db.RunControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.ClaimToken == nil || *m.ClaimToken != token {
		return db.RunControl{}, db.ErrClaimConflict
	}
	e, ok := s.executions[executionID]
	if !ok {
		return db.RunControl{}, db.ErrClaimConflict
	}
	m.ClaimExpiresAt = &expiresAt
	return db.RunControl{MessageStatus: m.Status, CancelRequested: e.CancelRequested}, nil
}

func (s *Store) CompleteRun(ctx context.Context, id, token uuid.UUID, res db.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.ClaimToken == nil || *m.ClaimToken != token {
		return db.ErrClaimConflict
	}

	m.ClaimToken = nil
	m.ClaimExpiresAt = nil
	last := res.LastRunAt
	m.LastRunAt = &last
	if res.Advance {
		m.OccurrenceCount = res.OccurrenceCount
	}
	if res.Advance && m.Revision == res.Revision {
		switch m.Status {
		case db.MessageActive:
			m.NextRunAt = copyTime(res.NextRunAt)
		case db.MessagePaused:
			m.PausedNextRunAt = copyTime(res.NextRunAt)
		}
		if res.NextRunAt == nil && (m.Status == db.MessageActive || m.Status == db.MessagePaused) {
			m.Status = db.MessageCompleted
			m.NextRunAt = nil
			m.PausedNextRunAt = nil
		}
	}
	m.UpdatedAt = s.stamp()
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.ClaimToken == nil || *m.ClaimToken != token {
		return db.ErrClaimConflict
	}
	m.ClaimToken = nil
	m.ClaimExpiresAt = nil
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, e *db.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.executions {
		if other.MessageID == e.MessageID && !other.Status.Terminal() {
			return db.ErrClaimConflict
		}
	}
	e.CreatedAt = s.stamp()
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *Store) StartExecution(ctx context.Context, e *db.Execution, recipients []*db.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[e.ID]
	if !ok || cur.Status != db.ExecutionPending {
		return db.ErrClaimConflict
	}
	m, ok := s.messages[cur.MessageID]
	if !ok || m.ClaimToken == nil || *m.ClaimToken != cur.ClaimToken {
		return db.ErrClaimConflict
	}
	if e.StartedAt != nil && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.Before(*e.StartedAt) {
		return db.ErrClaimConflict
	}

	var skipped int
	stored := make([]*db.Recipient, len(recipients))
	for i, rc := range recipients {
		if rc.Status == db.RecipientSkipped {
			skipped++
		}
		rc.ExecutionID = e.ID
		c := *rc
		c.UpdatedAt = c.CreatedAt
		stored[i] = &c
	}
	s.recipients[e.ID] = stored

	cur.Status = db.ExecutionRunning
	cur.StartedAt = copyTime(e.StartedAt)
	cur.RecipientCount = len(recipients)
	cur.SkippedCount = skipped

	e.Status = db.ExecutionRunning
	e.RecipientCount = len(recipients)
	e.SkippedCount = skipped
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, rc *db.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.recipients[rc.ExecutionID] {
		if cur.ID != rc.ID {
			continue
		}
		if cur.Status != db.RecipientPending {
			return db.ErrInvalidTransition
		}
		cur.Status = rc.Status
		cur.Error = copyString(rc.Error)
		cur.Attempts = rc.Attempts
		cur.SentAt = copyTime(rc.SentAt)
		cur.UpdatedAt = s.stamp()
		return nil
	}
	return db.ErrNotFound
}

func (s *Store) FinishExecution(ctx context.Context, e *db.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[e.ID]
	if !ok {
		return db.ErrNotFound
	}
	if !db.CanTransition(cur.Status, e.Status) {
		return db.ErrInvalidTransition
	}
	cur.Status = e.Status
	cur.SuccessCount = e.SuccessCount
	cur.FailureCount = e.FailureCount
	cur.SkippedCount = e.SkippedCount
	cur.Error = copyString(e.Error)
	cur.FinishedAt = copyTime(e.FinishedAt)
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if e.Status.Terminal() {
		return nil, db.ErrInvalidTransition
	}
	e.CancelRequested = true
	return cloneExecution(e), nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneExecution(e), nil
}

func (s *Store) ListExecutions(ctx context.Context, f db.ExecutionFilter) ([]*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*db.Execution
	for _, e := range s.executions {
		if f.MessageID != nil && e.MessageID != *f.MessageID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var out []*db.Execution
	for _, e := range page(all, f.Limit, f.Offset) {
		out = append(out, cloneExecution(e))
	}
	return out, nil
}

func (s *Store) ListRecipients(ctx context.Context, executionID uuid.UUID, f db.RecipientFilter) ([]*db.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*db.Recipient
	for _, rc := range s.recipients[executionID] {
		if f.Status != "" && rc.Status != f.Status {
			continue
		}
		all = append(all, rc)
	}

	var out []*db.Recipient
	for _, rc := range page(all, f.Limit, f.Offset) {
		c := *rc
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ReconcileOrphans(ctx context.Context, now time.Time) ([]*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []*db.Execution
	for _, e := range s.executions {
		if e.Status.Terminal() {
			continue
		}
		m, ok := s.messages[e.MessageID]
		if ok && m.ClaimToken != nil && *m.ClaimToken == e.ClaimToken && !claimFree(m, now) {
			continue
		}

		var t db.Tally
		for _, rc := range s.recipients[e.ID] {
			switch rc.Status {
			case db.RecipientSent:
				t.Sent++
			case db.RecipientFailed:
				t.Failed++
			case db.RecipientSkipped:
				t.Skipped++
			}
		}
		msg := "orphaned: claim lost before completion"
		finished := now
		e.Status = db.ExecutionCancelled
		e.FinishedAt = &finished
		e.Error = &msg
		e.SuccessCount, e.FailureCount, e.SkippedCount = t.Sent, t.Failed, t.Skipped
		orphans = append(orphans, cloneExecution(e))
	}

	for _, m := range s.messages {
		if m.ClaimToken != nil && claimFree(m, now) {
			m.ClaimToken = nil
			m.ClaimExpiresAt = nil
		}
	}
	return orphans, nil
}

func (s *Store) ListFinishedExecutions(ctx context.Context, q db.FinishedExecutionsQuery) ([]*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Execution
	for _, e := range s.executions {
		if e.FinishedAt == nil || e.FinishedAt.Before(q.From) || !e.FinishedAt.Before(q.Before) {
			continue
		}
		if q.MessageID != nil && e.MessageID != *q.MessageID {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(*out[j].FinishedAt) })
	return out, nil
}

// page applies limit and offset the way the repository does.
func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneMessage(m *db.ScheduledMessage) *db.ScheduledMessage {
	c := *m
	c.Recipients.ContactIDs = append([]uuid.UUID(nil), m.Recipients.ContactIDs...)
	c.Recipients.Tags = append([]string(nil), m.Recipients.Tags...)
	if m.Rule != nil {
		r := *m.Rule
		r.Weekdays = append([]time.Weekday(nil), m.Rule.Weekdays...)
		r.EndAt = copyTime(m.Rule.EndAt)
		c.Rule = &r
	}
	c.ScheduledAt = copyTime(m.ScheduledAt)
	c.NextRunAt = copyTime(m.NextRunAt)
	c.PausedNextRunAt = copyTime(m.PausedNextRunAt)
	c.LastRunAt = copyTime(m.LastRunAt)
	c.ClaimExpiresAt = copyTime(m.ClaimExpiresAt)
	if m.ClaimToken != nil {
		t := *m.ClaimToken
		c.ClaimToken = &t
	}
	return &c
}

func cloneExecution(e *db.Execution) *db.Execution {
	c := *e
	c.ScheduledFor = copyTime(e.ScheduledFor)
	c.StartedAt = copyTime(e.StartedAt)
	c.FinishedAt = copyTime(e.FinishedAt)
	c.Error = copyString(e.Error)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
