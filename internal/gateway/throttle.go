package gateway

import (
	"context"

	"go.uber.org/zap"
)

// Limiter blocks until a send may proceed. *rate.Limiter and the redis
// sliding-window throttle both satisfy it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Throttled applies limiters in order before every send on the wrapped gateway.
type Throttled struct {
	gateway  Gateway
	limiters []Limiter
	logger   *zap.Logger
}

// NewThrottled wraps gw
func NewThrottled(gw Gateway, logger *zap.Logger, limiters ...Limiter) *Throttled {
	return &Throttled{
		gateway:  gw,
		limiters: limiters,
		logger:   logger,
	}
}

func (t *Throttled) Send(ctx context.Context, d *Delivery) error {
	for _, l := range t.limiters {
		if err := l.Wait(ctx); err != nil {
			t.logger.Debug("throttle wait aborted",
				zap.String("recipient_id", d.RecipientID.String()),
				zap.Error(err),
			)
			return &TransientError{Err: err}
		}
	}
	return t.gateway.Send(ctx, d)
}

func (t *Throttled) SupportsChannel(channel string) bool {
	return t.gateway.SupportsChannel(channel)
}
