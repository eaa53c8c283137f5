// Package queue consumes delivery work items from SQS and runs them through
// the batch processor. The Lambda worker shares Decode; the Consumer is the
// long-polling equivalent for running queued mode in-process.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"skyhook/internal/notifications/core"
	"skyhook/internal/types"
)

// maxDeleteBatch is the SQS limit on DeleteMessageBatch entries.
const maxDeleteBatch = 10

// SQSReceiver abstracts the SQS receive and delete operations for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// BatchProcessor runs one batch of delivery items; core.BatchProcessor in
// production.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, items []types.DeliveryMessage) (core.BatchReport, error)
}

// Decode parses an SQS message body into a DeliveryMessage.
func Decode(body string) (types.DeliveryMessage, error) {
	var msg types.DeliveryMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("queue: decode delivery message: %w", err)
	}
	if msg.WebhookID == "" || msg.WebhookToken == "" {
		return msg, fmt.Errorf("queue: delivery message %q has no destination", msg.MessageID)
	}
	return msg, nil
}

// ConsumerConfig tunes the receive loop.
type ConsumerConfig struct {
	QueueURL  string
	BatchSize int32
	WaitTime  time.Duration
	// ErrorDelay is the pause after a failed receive.
	ErrorDelay time.Duration
}

// Consumer long-polls the delivery queue. A message is deleted once the
// batch processor has settled it; items it reports as unsettled, and
// undecodable bodies, stay on the queue for redelivery or the DLQ.
type Consumer struct {
	client    SQSReceiver
	processor BatchProcessor
	cfg       ConsumerConfig
	logger    types.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(client SQSReceiver, processor BatchProcessor, cfg ConsumerConfig, logger types.Logger) *Consumer {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 5 * time.Second
	}
	return &Consumer{client: client, processor: processor, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("delivery consumer started", "queue_url", c.cfg.QueueURL)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("delivery consumer poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ErrorDelay):
			}
		}
	}
}

// PollOnce receives one batch, processes it, and deletes what was settled.
// It returns the number of messages deleted.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.BatchSize,
		WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	items := make([]types.DeliveryMessage, 0, len(out.Messages))
	receipts := make(map[string]string, len(out.Messages))
	for _, m := range out.Messages {
		msg, err := Decode(aws.ToString(m.Body))
		if err != nil {
			c.logger.Error("leaving undecodable message on queue",
				"sqs_message_id", aws.ToString(m.MessageId),
				"error", err,
			)
			continue
		}
		items = append(items, msg)
		receipts[msg.MessageID] = aws.ToString(m.ReceiptHandle)
	}
	if len(items) == 0 {
		return 0, nil
	}

	report, err := c.processor.ProcessBatch(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("queue: process batch: %w", err)
	}

	for _, u := range report.Unsettled {
		delete(receipts, u.MessageID)
	}

	entries := make([]sqsTypes.DeleteMessageBatchRequestEntry, 0, len(receipts))
	for id, handle := range receipts {
		entries = append(entries, sqsTypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(id),
			ReceiptHandle: aws.String(handle),
		})
	}

	deleted, err := c.deleteAll(ctx, entries)
	c.logger.Info("delivery batch processed",
		"received", len(out.Messages),
		"delivered", report.Delivered,
		"requeued", report.Requeued,
		"dropped", report.Dropped,
		"skipped", report.Skipped,
		"unsettled", len(report.Unsettled),
		"deleted", deleted,
	)
	return deleted, err
}

func (c *Consumer) deleteAll(ctx context.Context, entries []sqsTypes.DeleteMessageBatchRequestEntry) (int, error) {
	deleted := 0
	for start := 0; start < len(entries); start += maxDeleteBatch {
		chunk := entries[start:min(start+maxDeleteBatch, len(entries))]
		out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.cfg.QueueURL),
			Entries:  chunk,
		})
		if err != nil {
			return deleted, fmt.Errorf("queue: delete batch: %w", err)
		}
		deleted += len(out.Successful)
		for _, f := range out.Failed {
			c.logger.Warn("failed to delete settled message",
				"message_id", aws.ToString(f.Id),
				"code", aws.ToString(f.Code),
			)
		}
	}
	return deleted, nil
}
