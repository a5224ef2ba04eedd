// Package dispatch fans one execution out to its recipients.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/gateway"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Recorder persists the final outcome of a recipient.
type Recorder interface {
	RecordDelivery(ctx context.Context, rc *db.Recipient) error
}

// Config for the executor.
type Config struct {
	Workers       int     // concurrent sends per execution
	RatePerSecond float64 // process-wide send rate, 0 disables
	Burst         int
	SendTimeout   time.Duration
	Backoff       BackoffConfig
}

// Job is one execution ready to fan out. Recipients already skipped during
// resolution are counted but not sent.
type Job struct {
	MessageID   uuid.UUID
	ExecutionID uuid.UUID
	Channel     string
	Payload     db.Payload
	Recipients  []*db.Recipient
}

// Executor sends a job's recipients through a gateway with bounded concurrency.
type Executor struct {
	gateway  gateway.Gateway
	recorder Recorder
	limiters []gateway.Limiter
	config   Config
	logger   *zap.Logger
}

// New creates an executor. Extra limiters, such as the redis throttle shared
// between instances, are waited on after the local rate limiter.
func New(gw gateway.Gateway, recorder Recorder, cfg Config, logger *zap.Logger, limiters ...gateway.Limiter) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	var all []gateway.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		all = append(all, rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst))
	}
	all = append(all, limiters...)

	return &Executor{
		gateway:  gw,
		recorder: recorder,
		limiters: all,
		config:   cfg,
		logger:   logger,
	}
}

// Dispatch sends every pending recipient of job and returns the final tally.
//
// When ctx is cancelled no new sends start. Sends already in flight finish
// and are recorded; recipients never attempted stay pending.
func (e *Executor) Dispatch(ctx context.Context, job Job) db.Tally {
	var (
		mu    sync.Mutex
		tally db.Tally
		g     errgroup.Group
	)
	g.SetLimit(e.config.Workers)

	count := func(s db.RecipientStatus) {
		mu.Lock()
		defer mu.Unlock()
		switch s {
		case db.RecipientSent:
			tally.Sent++
		case db.RecipientFailed:
			tally.Failed++
		case db.RecipientSkipped:
			tally.Skipped++
		default:
			tally.Pending++
		}
	}

	for _, rc := range job.Recipients {
		if rc.Status != db.RecipientPending {
			count(rc.Status)
			continue
		}
		if ctx.Err() != nil {
			count(db.RecipientPending)
			continue
		}

		g.Go(func() error {
			count(e.deliver(ctx, job, rc))
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("dispatch finished",
		zap.String("execution_id", job.ExecutionID.String()),
		zap.Int("sent", tally.Sent),
		zap.Int("failed", tally.Failed),
		zap.Int("skipped", tally.Skipped),
		zap.Int("pending", tally.Pending),
	)
	return tally
}

// deliver sends to one recipient with retries and records the outcome.
func (e *Executor) deliver(ctx context.Context, job Job, rc *db.Recipient) db.RecipientStatus {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= e.config.Backoff.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return db.RecipientPending
		}
		if err := e.wait(ctx); err != nil {
			return db.RecipientPending
		}

		err := e.send(ctx, job, rc, attempt)
		if err == nil {
			now := time.Now().UTC()
			rc.Status = db.RecipientSent
			rc.Attempts = attempt
			rc.SentAt = &now
			return e.record(ctx, job, rc, start)
		}
		lastErr = err

		if gateway.IsPermanent(err) {
			break
		}
		if attempt == e.config.Backoff.MaxAttempts {
			break
		}

		metrics.RecordDeliveryRetry(job.Channel)
		retryAfter, _ := gateway.RetryAfter(err)
		delay := e.config.Backoff.delay(attempt, retryAfter)

		e.logger.Debug("transient send failure, retrying",
			zap.String("recipient_id", rc.ID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if sleep(ctx, delay) != nil {
			return db.RecipientPending
		}
	}

	msg := lastErr.Error()
	rc.Status = db.RecipientFailed
	rc.Error = &msg
	return e.record(ctx, job, rc, start)
}

// send runs one attempt. The attempt itself is detached from ctx so a
// cancellation does not cut a provider call in half.
func (e *Executor) send(ctx context.Context, job Job, rc *db.Recipient, attempt int) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.SendTimeout)
	defer cancel()

	rc.Attempts = attempt
	return e.gateway.Send(sendCtx, &gateway.Delivery{
		MessageID:   job.MessageID,
		ExecutionID: job.ExecutionID,
		RecipientID: rc.ID,
		Channel:     job.Channel,
		Address:     rc.Address,
		Payload:     job.Payload,
		Attempt:     attempt,
	})
}

func (e *Executor) wait(ctx context.Context) error {
	for _, l := range e.limiters {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) record(ctx context.Context, job Job, rc *db.Recipient, start time.Time) db.RecipientStatus {
	metrics.RecordDelivery(job.Channel, string(rc.Status), time.Since(start))

	err := e.recorder.RecordDelivery(context.WithoutCancel(ctx), rc)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrInvalidTransition):
		e.logger.Warn("recipient already finalized",
			zap.String("recipient_id", rc.ID.String()),
			zap.String("execution_id", job.ExecutionID.String()),
		)
	default:
		e.logger.Error("failed to record delivery",
			zap.String("recipient_id", rc.ID.String()),
			zap.String("status", string(rc.Status)),
			zap.Error(err),
		)
	}

	if rc.Status == db.RecipientFailed {
		e.logger.Info("recipient failed",
			zap.String("recipient_id", rc.ID.String()),
			zap.String("execution_id", job.ExecutionID.String()),
			zap.Int("attempts", rc.Attempts),
			zap.Stringp("error", rc.Error),
		)
	}
	return rc.Status
}
