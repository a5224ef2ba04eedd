// Package circuitbreaker stops sending to a provider that keeps failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open      after MaxFailures consecutive failures
//	Open     -> HalfOpen  once Cooldown has elapsed
//	HalfOpen -> Closed    when a trial request succeeds
//	HalfOpen -> Open      when a trial request fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	Name             string // provider name, e.g. "sns"
	MaxFailures      int
	Cooldown         time.Duration
	HalfOpenRequests int

	// OnStateChange, when set, is called with the lock held; keep it cheap.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the breaker settings used for every gateway.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// CircuitBreaker counts consecutive provider failures and fails fast while open.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    int
	openedAt    time.Time
	changedAt   time.Time
	trialsInUse int

	requests  int64
	successes int64
	errors    int64
	rejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.changedAt = cb.now()
	return cb
}

// Name returns the breaker's provider name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Allow reports whether a call may proceed. Every true result must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trialsInUse = 1
		cb.logger.Info("circuit breaker probing provider", zap.String("name", cb.config.Name))
		return true
	case StateHalfOpen:
		if cb.trialsInUse < cb.config.HalfOpenRequests {
			cb.trialsInUse++
			return true
		}
		cb.rejected++
		return false
	}
	return false
}

// RecordSuccess closes a half-open breaker and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
	}
}

// RecordFailure extends the failure streak and opens the breaker when the
// streak reaches MaxFailures, or at once when a trial request fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errors++
	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failures),
			)
		}
	case StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker re-opened after failed trial request", zap.String("name", cb.config.Name))
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view for the admin API.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureStreak   int    `json:"failure_streak"`
	TotalRequests   int64  `json:"total_requests"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalFailures   int64  `json:"total_failures"`
	TotalRejected   int64  `json:"total_rejected"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureStreak:   cb.failures,
		TotalRequests:   cb.requests,
		TotalSuccesses:  cb.successes,
		TotalFailures:   cb.errors,
		TotalRejected:   cb.rejected,
		LastStateChange: cb.changedAt.UTC().Format(time.RFC3339),
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.config.Name))
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.trialsInUse = 0

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, next)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}
