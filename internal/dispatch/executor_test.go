package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/gateway"
)

type mockRecorder struct {
	mu       sync.Mutex
	recorded map[uuid.UUID]db.Recipient
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{recorded: make(map[uuid.UUID]db.Recipient)}
}

func (m *mockRecorder) RecordDelivery(ctx context.Context, rc *db.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recorded[rc.ID]; ok {
		return db.ErrInvalidTransition
	}
	m.recorded[rc.ID] = *rc
	return nil
}

func (m *mockRecorder) get(id uuid.UUID) (db.Recipient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.recorded[id]
	return rc, ok
}

// mockGateway answers per address; errs[addr] is consumed one per call.
type mockGateway struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
	block chan struct{}
}

func newMockGateway() *mockGateway {
	return &mockGateway{errs: make(map[string][]error), calls: make(map[string]int)}
}

func (m *mockGateway) Send(ctx context.Context, d *gateway.Delivery) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[d.Address]++
	queue := m.errs[d.Address]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.errs[d.Address] = queue[1:]
	return err
}

func (m *mockGateway) SupportsChannel(string) bool { return true }

func (m *mockGateway) callCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[addr]
}

func pendingRecipients(addrs ...string) []*db.Recipient {
	out := make([]*db.Recipient, len(addrs))
	for i, a := range addrs {
		out[i] = &db.Recipient{ID: uuid.New(), Address: a, Status: db.RecipientPending}
	}
	return out
}

func testJob(recipients []*db.Recipient) Job {
	return Job{
		MessageID:   uuid.New(),
		ExecutionID: uuid.New(),
		Channel:     db.ChannelSMS,
		Payload:     db.Payload{Text: "hello"},
		Recipients:  recipients,
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
}

func TestNew_Defaults(t *testing.T) {
	e := New(newMockGateway(), newMockRecorder(), Config{}, zap.NewNop())

	if e.config.Workers != 10 {
		t.Errorf("expected 10 workers, got %d", e.config.Workers)
	}
	if e.config.SendTimeout != 30*time.Second {
		t.Errorf("expected 30s send timeout, got %v", e.config.SendTimeout)
	}
	if e.config.Backoff.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", e.config.Backoff.MaxAttempts)
	}
	if len(e.limiters) != 0 {
		t.Errorf("expected no limiters without a rate, got %d", len(e.limiters))
	}
}

func TestDispatch_PermanentFailureGivesPartial(t *testing.T) {
	gw := newMockGateway()
	gw.errs["+15550000002"] = []error{gateway.Permanent("invalid number", nil)}
	rec := newMockRecorder()
	e := New(gw, rec, Config{Workers: 3, Backoff: fastBackoff()}, zap.NewNop())

	recipients := pendingRecipients("+15550000001", "+15550000002", "+15550000003")
	tally := e.Dispatch(context.Background(), testJob(recipients))

	if tally.Sent != 2 || tally.Failed != 1 || tally.Pending != 0 {
		t.Fatalf("expected 2 sent / 1 failed, got %+v", tally)
	}
	if db.Outcome(tally) != db.ExecutionPartial {
		t.Errorf("expected partial, got %s", db.Outcome(tally))
	}
	if gw.callCount("+15550000002") != 1 {
		t.Errorf("permanent failures must not be retried, got %d calls", gw.callCount("+15550000002"))
	}

	failed, ok := rec.get(recipients[1].ID)
	if !ok || failed.Status != db.RecipientFailed || failed.Error == nil {
		t.Errorf("expected failed recipient with error recorded, got %+v", failed)
	}
	sent, _ := rec.get(recipients[0].ID)
	if sent.Status != db.RecipientSent || sent.SentAt == nil || sent.Attempts != 1 {
		t.Errorf("expected sent recipient, got %+v", sent)
	}
}

func TestDispatch_TransientRetriedUntilSuccess(t *testing.T) {
	gw := newMockGateway()
	gw.errs["+1"] = []error{errors.New("timeout"), &gateway.TransientError{Err: errors.New("503")}}
	rec := newMockRecorder()
	e := New(gw, rec, Config{Backoff: fastBackoff()}, zap.NewNop())

	recipients := pendingRecipients("+1")
	tally := e.Dispatch(context.Background(), testJob(recipients))

	if tally.Sent != 1 {
		t.Fatalf("expected sent after retries, got %+v", tally)
	}
	got, _ := rec.get(recipients[0].ID)
	if got.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", got.Attempts)
	}
}

func TestDispatch_TransientExhausted(t *testing.T) {
	gw := newMockGateway()
	boom := errors.New("connection reset")
	gw.errs["+1"] = []error{boom, boom, boom, boom}
	rec := newMockRecorder()
	e := New(gw, rec, Config{Backoff: fastBackoff()}, zap.NewNop())

	recipients := pendingRecipients("+1")
	tally := e.Dispatch(context.Background(), testJob(recipients))

	if tally.Failed != 1 {
		t.Fatalf("expected failure after max attempts, got %+v", tally)
	}
	if gw.callCount("+1") != 3 {
		t.Errorf("expected 3 calls, got %d", gw.callCount("+1"))
	}
}

func TestDispatch_SkippedCountedNotSent(t *testing.T) {
	gw := newMockGateway()
	e := New(gw, newMockRecorder(), Config{}, zap.NewNop())

	recipients := pendingRecipients("+1")
	reason := db.ReasonNoAddress
	recipients = append(recipients, &db.Recipient{ID: uuid.New(), Status: db.RecipientSkipped, Error: &reason})

	tally := e.Dispatch(context.Background(), testJob(recipients))
	if tally.Sent != 1 || tally.Skipped != 1 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	if gw.callCount("") != 0 {
		t.Error("skipped recipients must not be sent")
	}
}

func TestDispatch_ZeroRecipients(t *testing.T) {
	e := New(newMockGateway(), newMockRecorder(), Config{}, zap.NewNop())
	tally := e.Dispatch(context.Background(), testJob(nil))
	if tally.Total() != 0 || db.Outcome(tally) != db.ExecutionCompleted {
		t.Fatalf("expected empty completed tally, got %+v", tally)
	}
}

func TestDispatch_CancelLeavesUnsentPending(t *testing.T) {
	gw := newMockGateway()
	gw.block = make(chan struct{})
	rec := newMockRecorder()
	e := New(gw, rec, Config{Workers: 1, Backoff: fastBackoff()}, zap.NewNop())

	recipients := pendingRecipients("+1", "+2", "+3")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var tally struct {
		sent, pending int
	}
	go func() {
		tl := e.Dispatch(ctx, testJob(recipients))
		tally.sent, tally.pending = tl.Sent, tl.Pending
		close(done)
	}()

	// the first send is in flight and blocked
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(gw.block)
	<-done

	if tally.sent != 1 || tally.pending != 2 {
		t.Fatalf("expected in-flight send to finish and 2 pending, got sent=%d pending=%d", tally.sent, tally.pending)
	}
	if _, ok := rec.get(recipients[0].ID); !ok {
		t.Error("in-flight outcome should be recorded after cancel")
	}
	for _, rc := range recipients[1:] {
		if _, ok := rec.get(rc.ID); ok {
			t.Errorf("recipient %s should stay pending", rc.Address)
		}
	}
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

func TestDispatch_WaitsOnLimiters(t *testing.T) {
	limiter := &countingLimiter{}
	e := New(newMockGateway(), newMockRecorder(), Config{RatePerSecond: 1000, Burst: 10}, zap.NewNop(), limiter)

	if len(e.limiters) != 2 {
		t.Fatalf("expected local and shared limiter, got %d", len(e.limiters))
	}

	tally := e.Dispatch(context.Background(), testJob(pendingRecipients("+1", "+2")))
	if tally.Sent != 2 || limiter.waits != 2 {
		t.Fatalf("expected one wait per send, got waits=%d tally=%+v", limiter.waits, tally)
	}
}

func TestDispatch_LimiterErrorLeavesPending(t *testing.T) {
	limiter := &countingLimiter{err: context.Canceled}
	gw := newMockGateway()
	e := New(gw, newMockRecorder(), Config{}, zap.NewNop(), limiter)

	tally := e.Dispatch(context.Background(), testJob(pendingRecipients("+1")))
	if tally.Pending != 1 || gw.callCount("+1") != 0 {
		t.Fatalf("expected pending without a send, got %+v", tally)
	}
}
