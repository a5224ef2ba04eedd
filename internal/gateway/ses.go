package gateway

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the email gateway.
type SESConfig struct {
	FromEmail        string
	ConfigurationSet string
}

// SESGateway sends email via AWS SES
type SESGateway struct {
	client sesAPI
	cfg    SESConfig
	logger *zap.Logger
}

// NewSESGateway creates an SES gateway from a loaded AWS config
func NewSESGateway(awsCfg aws.Config, cfg SESConfig, logger *zap.Logger) *SESGateway {
	return newSESGateway(ses.NewFromConfig(awsCfg), cfg, logger)
}

func newSESGateway(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESGateway {
	return &SESGateway{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Send sends one email
func (g *SESGateway) Send(ctx context.Context, d *Delivery) error {
	if d.Address == "" {
		return Permanent("email missing recipient", nil)
	}
	subject := d.Payload.Subject
	if subject == "" {
		return Permanent("email missing subject", nil)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(g.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{d.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(d.Payload.Text),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
	if g.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(g.cfg.ConfigurationSet)
	}

	result, err := g.client.SendEmail(ctx, input)
	if err != nil {
		return classifyAWS("ses send", err)
	}

	g.logger.Debug("email sent via SES",
		zap.String("recipient_id", d.RecipientID.String()),
		zap.String("provider_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel checks if this gateway handles the channel
func (g *SESGateway) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

func (g *SESGateway) String() string {
	return fmt.Sprintf("ses(from=%s)", g.cfg.FromEmail)
}
