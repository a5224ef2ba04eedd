package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/gateway"
)

// ProtectedGateway wraps a gateway with a CircuitBreaker.
//
// Only transient failures count against the provider. A permanent error is a
// verdict on one recipient (bad number, rejected address) and says nothing
// about the provider's health. While open, sends fail with a transient error
// so the dispatcher backs off and retries instead of failing recipients.
type ProtectedGateway struct {
	gateway gateway.Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps gw with circuit breaker protection.
func NewProtectedGateway(gw gateway.Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gw,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedGateway) Send(ctx context.Context, d *gateway.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Debug("circuit open, delivery deferred",
			zap.String("breaker", p.breaker.Name()),
			zap.String("recipient_id", d.RecipientID.String()),
		)
		return &gateway.TransientError{
			Err:        fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.Name()),
			RetryAfter: p.breaker.config.Cooldown,
		}
	}

	err := p.gateway.Send(ctx, d)
	if err != nil && !gateway.IsPermanent(err) {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return err
}

func (p *ProtectedGateway) SupportsChannel(channel string) bool {
	return p.gateway.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}
