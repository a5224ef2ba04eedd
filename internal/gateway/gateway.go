// Package gateway delivers one message to one recipient over a channel.
//
// Implementations: SMS (SNS), email (SES), HTTP webhook and a log gateway for
// development. A Send error is either a *PermanentError, which fails the
// recipient at once, or anything else, which the dispatcher retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Delivery is a single send request.
type Delivery struct {
	MessageID   uuid.UUID
	ExecutionID uuid.UUID
	RecipientID uuid.UUID
	Channel     string
	Address     string
	Payload     db.Payload
	Attempt     int
}

// Gateway is the unified interface for all transport channels
type Gateway interface {
	Send(ctx context.Context, d *Delivery) error
	SupportsChannel(channel string) bool
}

// PermanentError means retrying cannot succeed (bad address, rejected content).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// TransientError is a retryable failure. RetryAfter, when set, is the
// provider's requested backoff.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// RetryAfter returns the backoff requested by the provider, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var terr *TransientError
	if errors.As(err, &terr) && terr.RetryAfter > 0 {
		return terr.RetryAfter, true
	}
	return 0, false
}

// MultiGateway routes deliveries to the first gateway that supports the channel.
type MultiGateway struct {
	gateways []Gateway
	logger   *zap.Logger
}

// NewMultiGateway creates a router over gateways
func NewMultiGateway(logger *zap.Logger, gateways ...Gateway) *MultiGateway {
	return &MultiGateway{
		gateways: gateways,
		logger:   logger,
	}
}

// Send routes the delivery based on its channel
func (m *MultiGateway) Send(ctx context.Context, d *Delivery) error {
	for _, gw := range m.gateways {
		if gw.SupportsChannel(d.Channel) {
			m.logger.Debug("routing delivery to gateway",
				zap.String("channel", d.Channel),
				zap.String("recipient_id", d.RecipientID.String()),
			)
			return gw.Send(ctx, d)
		}
	}
	return Permanent("unsupported channel", fmt.Errorf("no gateway for channel %q", d.Channel))
}

// SupportsChannel checks if any underlying gateway supports the channel
func (m *MultiGateway) SupportsChannel(channel string) bool {
	for _, gw := range m.gateways {
		if gw.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogGateway logs deliveries instead of sending them (development)
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, d *Delivery) error {
	g.logger.Info("delivering message (log gateway)",
		zap.String("message_id", d.MessageID.String()),
		zap.String("execution_id", d.ExecutionID.String()),
		zap.String("channel", d.Channel),
		zap.String("to", d.Address),
		zap.String("text", d.Payload.Text),
	)
	return nil
}

func (g *LogGateway) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS || channel == db.ChannelWebhook
}
