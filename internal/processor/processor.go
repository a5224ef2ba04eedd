// Package processor is the scheduler loop. Each tick it recovers orphaned
// executions, claims due messages and runs each claimed message in its own
// goroutine, renewing the claim lease until the run finishes.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/resolver"
)

var (
	// ErrStopped is returned by Trigger after Stop.
	ErrStopped = errors.New("processor stopped")
	// ErrPaused is returned by Trigger while claiming is paused.
	ErrPaused = errors.New("processor paused")
)

// Cancellation causes, recorded as the execution error.
var (
	errShutdown         = errors.New("processor shutting down")
	errLeaseLost        = errors.New("claim lease lost")
	errCancelRequested  = errors.New("cancelled by operator")
	errMessageCancelled = errors.New("message cancelled")
)

type Store interface {
	ReconcileOrphans(ctx context.Context, now time.Time) ([]*db.Execution, error)
	ListDueMessages(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledMessage, error)
	ClaimMessage(ctx context.Context, id, token uuid.UUID, now time.Time, ttl time.Duration, due bool) (*db.ScheduledMessage, error)
	RenewClaim(ctx context.Context, messageID, executionID, token uuid.UUID, expiresAt time.Time) (db.RunControl, error)
	ReleaseClaim(ctx context.Context, id, token uuid.UUID) error
	CompleteRun(ctx context.Context, id, token uuid.UUID, res db.RunResult) error
	CreateExecution(ctx context.Context, e *db.Execution) error
	StartExecution(ctx context.Context, e *db.Execution, recipients []*db.Recipient) error
	FinishExecution(ctx context.Context, e *db.Execution) error
}

type Resolver interface {
	Resolve(ctx context.Context, spec db.RecipientSpec, channel string) (*resolver.Resolution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) db.Tally
}

// Publisher is told about every execution that reaches a terminal status.
type Publisher interface {
	PublishExecutionFinished(ctx context.Context, e *db.Execution) error
}

type Config struct {
	TickInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	InstanceID   string
}

// Processor states reported by Status.
const (
	StateRunning = "running" // executions in flight
	StateIdle    = "idle"
	StatePaused  = "paused"
	StateStopped = "stopped"
)

// Status is a point-in-time view of this process's scheduler.
type Status struct {
	InstanceID         string     `json:"instance_id"`
	State              string     `json:"state"`
	Running            bool       `json:"running"`
	Paused             bool       `json:"paused"`
	Healthy            bool       `json:"healthy"`
	LastError          string     `json:"last_error,omitempty"`
	LastTickAt         *time.Time `json:"last_tick_at,omitempty"`
	NextTickAt         *time.Time `json:"next_tick_at,omitempty"`
	Ticks              int64      `json:"ticks"`
	InFlight           int        `json:"in_flight"`
	ExecutionsStarted  int64      `json:"executions_started"`
	ExecutionsFinished int64      `json:"executions_finished"`
	OrphansRecovered   int64      `json:"orphans_recovered"`
	StartedAt          time.Time  `json:"started_at"`
}

type Processor struct {
	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	publisher  Publisher
	config     Config
	logger     *zap.Logger
	now        func() time.Time

	// base is the parent of every run; Stop cancels it.
	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	status  Status
	stopped bool
	runs    map[uuid.UUID]context.CancelCauseFunc // by execution
}

// New creates a processor. publisher may be nil.
func New(store Store, res Resolver, dispatcher Dispatcher, publisher Publisher, cfg Config, logger *zap.Logger) *Processor {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	base, cancel := context.WithCancelCause(context.Background())

	p := &Processor{
		store:      store,
		resolver:   res,
		dispatcher: dispatcher,
		publisher:  publisher,
		config:     cfg,
		logger:     logger.With(zap.String("instance_id", cfg.InstanceID)),
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		runs:       make(map[uuid.UUID]context.CancelCauseFunc),
	}
	p.status = Status{InstanceID: cfg.InstanceID, Healthy: true, StartedAt: p.now().UTC()}
	return p
}

// Start runs the tick loop until ctx is done. The first tick runs at once and
// begins with crash recovery.
func (p *Processor) Start(ctx context.Context) {
	p.setRunning(true)
	defer p.setRunning(false)

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	p.logger.Info("processor starting",
		zap.Duration("tick_interval", p.config.TickInterval),
		zap.Duration("claim_ttl", p.config.ClaimTTL),
	)

	p.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopping")
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

func (p *Processor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor tick panic recovered", zap.Any("panic", r))
			p.setUnhealthy("tick panic")
		}
	}()
	p.Tick(ctx)
}

// Tick performs one scheduler pass. Dispatch happens in background goroutines
// so a tick never waits for a send.
func (p *Processor) Tick(ctx context.Context) {
	if p.isStopped() {
		return
	}
	start := p.now()
	p.reconcile(ctx)

	if p.isPaused() {
		p.recordTick(start, nil)
		return
	}

	due, err := p.store.ListDueMessages(ctx, start, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to list due messages", zap.Error(err))
		p.recordTick(start, err)
		return
	}

	for _, m := range due {
		_, err := p.launch(ctx, m.ID, db.TriggerSchedule)
		if errors.Is(err, ErrStopped) {
			break
		}
		if err != nil && !errors.Is(err, db.ErrClaimConflict) {
			p.logger.Error("failed to start run",
				zap.String("message_id", m.ID.String()),
				zap.Error(err),
			)
		}
	}
	p.recordTick(start, nil)
}

// reconcile cancels executions left behind by a crashed or partitioned processor.
func (p *Processor) reconcile(ctx context.Context) {
	orphans, err := p.store.ReconcileOrphans(ctx, p.now())
	if err != nil {
		p.logger.Warn("orphan reconciliation failed", zap.Error(err))
		return
	}
	for _, e := range orphans {
		p.logger.Warn("recovered orphaned execution",
			zap.String("execution_id", e.ID.String()),
			zap.String("message_id", e.MessageID.String()),
			zap.Int("sent", e.SuccessCount),
			zap.Int("failed", e.FailureCount),
		)
		p.publish(e)
	}
	if n := len(orphans); n > 0 {
		metrics.RecordOrphansRecovered(n)
		p.mu.Lock()
		p.status.OrphansRecovered += int64(n)
		p.mu.Unlock()
	}
}

// Trigger runs a message now, outside its schedule. It uses the same claim as
// scheduled runs and does not move the schedule.
func (p *Processor) Trigger(ctx context.Context, messageID uuid.UUID) (*db.Execution, error) {
	if p.isPaused() {
		return nil, ErrPaused
	}
	return p.launch(ctx, messageID, db.TriggerManual)
}

// CancelRun cancels a run executing in this process. It reports false when
// the execution is not running here.
func (p *Processor) CancelRun(executionID uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.runs[executionID]
	p.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// Pause stops claiming new messages. Runs in flight finish.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Paused = true
	p.logger.Info("processor paused")
}

// Resume re-enables claiming.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Paused = false
	p.logger.Info("processor resumed")
}

// Stop cancels in-flight runs and waits for them to record their outcome, or
// until ctx is done.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	inFlight := len(p.runs)
	p.mu.Unlock()

	p.logger.Info("stopping processor", zap.Int("in_flight", inFlight))
	p.cancelBase(errShutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of in-memory state only.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status
	s.InFlight = len(p.runs)

	switch {
	case p.stopped || !s.Running:
		s.State = StateStopped
	case s.Paused:
		s.State = StatePaused
	case s.InFlight > 0:
		s.State = StateRunning
	default:
		s.State = StateIdle
	}
	if s.Running && s.LastTickAt != nil && !p.stopped {
		next := s.LastTickAt.Add(p.config.TickInterval)
		s.NextTickAt = &next
	}
	return s
}

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Paused
}

func (p *Processor) setRunning(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Running = running
}

func (p *Processor) setUnhealthy(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Healthy = false
	p.status.LastError = reason
}

func (p *Processor) recordTick(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordTick(result, p.now().Sub(start))

	p.mu.Lock()
	defer p.mu.Unlock()
	at := start.UTC()
	p.status.LastTickAt = &at
	p.status.Ticks++
	p.status.Healthy = err == nil
	if err != nil {
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
}
