package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/gateway"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("sns"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sns", MaxFailures: 3, Cooldown: time.Second})
	fail(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_TrialAfterCooldown(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "sns", MaxFailures: 2, Cooldown: time.Minute})
	fail(cb, 2)

	clock.advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("should reject before cooldown elapses")
	}

	clock.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow a trial request after cooldown")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("only one trial request should be in flight")
	}
}

func TestCircuitBreaker_TrialOutcome(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
		want    State
	}{
		{"trial_succeeds", true, StateClosed},
		{"trial_fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 2, Cooldown: time.Second})
			fail(cb, 2)
			clock.advance(time.Second)
			cb.Allow()
			if tt.succeed {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "webhook", MaxFailures: 3})
	fail(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	fail(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset the failure streak")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	var changes []State
	cb, _ := newTestBreaker(Config{
		Name:        "stats",
		MaxFailures: 2,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, to)
		},
	})
	cb.Allow()
	cb.RecordSuccess()
	fail(cb, 2)
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	stats := cb.Stats()
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 1 || stats.TotalFailures != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(changes) != 2 || changes[0] != StateOpen || changes[1] != StateClosed {
		t.Errorf("unexpected state changes %v", changes)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockGateway struct {
	err   error
	calls int
}

func (m *mockGateway) Send(ctx context.Context, d *gateway.Delivery) error {
	m.calls++
	return m.err
}

func (m *mockGateway) SupportsChannel(channel string) bool { return channel == db.ChannelSMS }

func testDelivery() *gateway.Delivery {
	return &gateway.Delivery{RecipientID: uuid.New(), Channel: db.ChannelSMS, Address: "+15550000001"}
}

func TestProtectedGateway_FailFastWhenOpen(t *testing.T) {
	mock := &mockGateway{err: errors.New("connection reset")}
	cb, _ := newTestBreaker(Config{Name: "sns", MaxFailures: 2, Cooldown: time.Minute})
	pg := NewProtectedGateway(mock, cb, zap.NewNop())

	pg.Send(context.Background(), testDelivery())
	pg.Send(context.Background(), testDelivery())
	mock.calls = 0

	err := pg.Send(context.Background(), testDelivery())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if gateway.IsPermanent(err) {
		t.Error("an open circuit must not fail recipients permanently")
	}
	if d, ok := gateway.RetryAfter(err); !ok || d != time.Minute {
		t.Errorf("expected retry after cooldown, got %v", d)
	}
	if mock.calls != 0 {
		t.Fatalf("gateway called %d times when circuit open", mock.calls)
	}
}

func TestProtectedGateway_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := &mockGateway{err: gateway.Permanent("invalid number", nil)}
	cb, _ := newTestBreaker(Config{Name: "sns", MaxFailures: 2})
	pg := NewProtectedGateway(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		err := pg.Send(context.Background(), testDelivery())
		if !gateway.IsPermanent(err) {
			t.Fatalf("expected permanent error passed through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestProtectedGateway_FullLifecycle(t *testing.T) {
	mock := &mockGateway{}
	cb, clock := newTestBreaker(Config{Name: "lifecycle", MaxFailures: 3, Cooldown: time.Second})
	pg := NewProtectedGateway(mock, cb, zap.NewNop())

	if err := pg.Send(context.Background(), testDelivery()); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.err = errors.New("503")
	for i := 0; i < 3; i++ {
		pg.Send(context.Background(), testDelivery())
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clock.advance(time.Second)
	mock.err = nil
	if err := pg.Send(context.Background(), testDelivery()); err != nil {
		t.Fatalf("recovered: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	if !pg.SupportsChannel(db.ChannelSMS) || pg.SupportsChannel(db.ChannelEmail) {
		t.Error("SupportsChannel should delegate")
	}
}
