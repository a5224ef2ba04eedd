package gateway

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures the SMS gateway.
type SNSConfig struct {
	SenderID string
	// Transactional SMS get higher delivery priority than Promotional.
	SMSType string
}

// SNSGateway sends SMS via AWS SNS
type SNSGateway struct {
	client snsAPI
	cfg    SNSConfig
	logger *zap.Logger
}

// NewSNSGateway creates an SNS gateway from a loaded AWS config
func NewSNSGateway(awsCfg aws.Config, cfg SNSConfig, logger *zap.Logger) *SNSGateway {
	return newSNSGateway(sns.NewFromConfig(awsCfg), cfg, logger)
}

func newSNSGateway(client snsAPI, cfg SNSConfig, logger *zap.Logger) *SNSGateway {
	if cfg.SMSType == "" {
		cfg.SMSType = "Transactional"
	}
	return &SNSGateway{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Send publishes one SMS
func (g *SNSGateway) Send(ctx context.Context, d *Delivery) error {
	if d.Address == "" {
		return Permanent("sms missing phone number", nil)
	}
	if d.Payload.Text == "" {
		return Permanent("sms missing text", nil)
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(g.cfg.SMSType),
		},
	}
	if g.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(g.cfg.SenderID),
		}
	}

	result, err := g.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(d.Address),
		Message:           aws.String(d.Payload.Text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return classifyAWS("sns publish", err)
	}

	g.logger.Debug("sms sent via SNS",
		zap.String("recipient_id", d.RecipientID.String()),
		zap.String("provider_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel checks if this gateway handles the channel
func (g *SNSGateway) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
