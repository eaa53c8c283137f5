package core

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"

	"skyhook/internal/types"
)

// maxSQSDelay is the SQS DelaySeconds ceiling.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends delivery work items to the SQS delivery queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewSQSPublisher creates a publisher targeting queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger types.Logger) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends msg without delay.
func (p *SQSPublisher) Enqueue(ctx context.Context, msg types.DeliveryMessage) error {
	return p.send(ctx, msg, 0)
}

// Requeue increments RetryCount before serializing, so the next consumer sees
// the attempt number it is about to make, and delays the item by delay.
// Delays beyond the SQS maximum of 15 minutes are clamped.
func (p *SQSPublisher) Requeue(ctx context.Context, msg types.DeliveryMessage, delay time.Duration) error {
	msg.RetryCount++
	return p.send(ctx, msg, delay)
}

func (p *SQSPublisher) send(ctx context.Context, msg types.DeliveryMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("delivery publisher: marshal message: %w", err)
	}

	delaySec := int32(clampDelay(delay).Seconds())
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	})
	if err != nil {
		return fmt.Errorf("delivery publisher: send to %s: %w", p.queueURL, err)
	}

	p.logger.Info("delivery item published",
		"message_id", msg.MessageID,
		"webhook_id", msg.WebhookID,
		"did", msg.DID,
		"retry_count", msg.RetryCount,
		"delay_seconds", delaySec,
	)
	return nil
}

// clampDelay rounds d up to whole seconds within [0, 900s]; a 250ms
// Retry-After must not become an immediate redelivery.
func clampDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	d = (d + time.Second - 1) / time.Second * time.Second
	return min(d, maxSQSDelay)
}
