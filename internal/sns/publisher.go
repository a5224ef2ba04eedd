// Package sns announces execution lifecycle events on an SNS topic so
// several subscribers (queues, lambdas, email alerts) can fan them out.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing of execution events
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newPublisher(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return newPublisher(client, topicARN, logger), nil
}

func newPublisher(client snsAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// PublishExecutionFinished publishes the execution.finished event. The
// status and trigger attributes let subscribers filter, e.g. only failures.
func (p *Publisher) PublishExecutionFinished(ctx context.Context, e *db.Execution) error {
	payload, err := json.Marshal(events.NewExecutionFinished(e))
	if err != nil {
		metrics.RecordEventPublished("error")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(events.ExecutionFinished),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Status)),
			},
			"trigger": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.Trigger),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		metrics.RecordEventPublished("error")
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	metrics.RecordEventPublished("ok")
	p.logger.Debug("execution event published",
		zap.String("execution_id", e.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
