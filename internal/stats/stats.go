// Package stats aggregates finished executions into delivery statistics.
//
// Reports are recomputed from stored executions on every call and only read
// executions finalized before the call began, so repeating a query returns the
// same numbers until the window moves.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Bucket sizes accepted by Query.
const (
	BucketNone = ""
	BucketHour = "hour"
	BucketDay  = "day"
)

// ErrInvalidQuery is returned for malformed windows or bucket sizes.
var ErrInvalidQuery = errors.New("invalid stats query")

type Store interface {
	ListFinishedExecutions(ctx context.Context, q db.FinishedExecutionsQuery) ([]*db.Execution, error)
}

// Query selects executions by finish time in [From, To). A zero To means now.
type Query struct {
	From   time.Time
	To     time.Time
	Bucket string
}

// RecipientTotals sums recipient outcomes across executions.
type RecipientTotals struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

type Bucket struct {
	Start      time.Time                  `json:"start"`
	Executions int                        `json:"executions"`
	ByStatus   map[db.ExecutionStatus]int `json:"by_status"`
	Recipients RecipientTotals            `json:"recipients"`
}

type Report struct {
	MessageID    *uuid.UUID                 `json:"message_id,omitempty"`
	From         time.Time                  `json:"from"`
	To           time.Time                  `json:"to"`
	Executions   int                        `json:"executions"`
	ByStatus     map[db.ExecutionStatus]int `json:"by_status"`
	Recipients   RecipientTotals            `json:"recipients"`
	DeliveryRate float64                    `json:"delivery_rate"` // sent / attempted-or-skipped
	Buckets      []Bucket                   `json:"buckets,omitempty"`
}

type Aggregator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Global aggregates every message.
func (a *Aggregator) Global(ctx context.Context, q Query) (*Report, error) {
	return a.aggregate(ctx, nil, q)
}

// ForMessage aggregates one message's executions.
func (a *Aggregator) ForMessage(ctx context.Context, messageID uuid.UUID, q Query) (*Report, error) {
	return a.aggregate(ctx, &messageID, q)
}

func (a *Aggregator) aggregate(ctx context.Context, messageID *uuid.UUID, q Query) (*Report, error) {
	asOf := a.now().UTC()
	to := q.To
	if to.IsZero() || to.After(asOf) {
		to = asOf
	}
	if to.Before(q.From) {
		return nil, fmt.Errorf("%w: window ends before it starts", ErrInvalidQuery)
	}
	if q.Bucket != BucketNone && q.Bucket != BucketHour && q.Bucket != BucketDay {
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrInvalidQuery, q.Bucket)
	}

	executions, err := a.store.ListFinishedExecutions(ctx, db.FinishedExecutionsQuery{
		MessageID: messageID,
		From:      q.From.UTC(),
		Before:    to,
	})
	if err != nil {
		return nil, fmt.Errorf("list finished executions: %w", err)
	}

	report := &Report{
		MessageID: messageID,
		From:      q.From.UTC(),
		To:        to,
		ByStatus:  make(map[db.ExecutionStatus]int),
	}

	buckets := make(map[time.Time]*Bucket)
	for _, e := range executions {
		report.Executions++
		report.ByStatus[e.Status]++
		addRecipients(&report.Recipients, e)

		if q.Bucket == BucketNone {
			continue
		}
		start := bucketStart(*e.FinishedAt, q.Bucket)
		b, ok := buckets[start]
		if !ok {
			b = &Bucket{Start: start, ByStatus: make(map[db.ExecutionStatus]int)}
			buckets[start] = b
		}
		b.Executions++
		b.ByStatus[e.Status]++
		addRecipients(&b.Recipients, e)
	}

	for _, b := range buckets {
		report.Buckets = append(report.Buckets, *b)
	}
	sort.Slice(report.Buckets, func(i, j int) bool { return report.Buckets[i].Start.Before(report.Buckets[j].Start) })

	if done := report.Recipients.Sent + report.Recipients.Failed + report.Recipients.Skipped; done > 0 {
		report.DeliveryRate = float64(report.Recipients.Sent) / float64(done)
	}

	a.logger.Debug("stats aggregated",
		zap.Int("executions", report.Executions),
		zap.Time("to", to),
	)
	return report, nil
}

func addRecipients(t *RecipientTotals, e *db.Execution) {
	t.Total += e.RecipientCount
	t.Sent += e.SuccessCount
	t.Failed += e.FailureCount
	t.Skipped += e.SkippedCount
	if p := e.RecipientCount - e.SuccessCount - e.FailureCount - e.SkippedCount; p > 0 {
		t.Pending += p
	}
}

// bucketStart truncates t to the start of its UTC hour or day.
func bucketStart(t time.Time, size string) time.Time {
	t = t.UTC()
	if size == BucketHour {
		return t.Truncate(time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
