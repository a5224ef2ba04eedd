// Package sqs publishes execution lifecycle events to an SQS queue for
// downstream consumers such as billing and reporting.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer sends execution events to SQS.
type Producer struct {
	client   sqsAPI
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

func newProducer(client sqsAPI, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// PublishExecutionFinished sends the execution.finished event for e. On a
// FIFO queue events of one message stay ordered and a repeated publish of the
// same execution is deduplicated.
func (p *Producer) PublishExecutionFinished(ctx context.Context, e *db.Execution) error {
	body, err := json.Marshal(events.NewExecutionFinished(e))
	if err != nil {
		metrics.RecordEventPublished("error")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(events.ExecutionFinished)},
			"status":     {DataType: aws.String("String"), StringValue: aws.String(string(e.Status))},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(e.MessageID.String())
		input.MessageDeduplicationId = aws.String(e.ID.String())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		metrics.RecordEventPublished("error")
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("execution_id", e.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	metrics.RecordEventPublished("ok")
	p.logger.Debug("execution event published",
		zap.String("execution_id", e.ID.String()),
		zap.String("sqs_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
