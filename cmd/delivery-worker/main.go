// Package main is the delivery worker Lambda.
//
// It consumes the delivery queue that the relay fills in queued mode. Each
// SQS event is decoded into delivery work items and handed to the paced
// BatchProcessor, which posts to Discord, re-queues rate-limited items with
// backoff and deregisters webhooks Discord reports as gone.
//
// Records are reported back in BatchItemFailures when they cannot be decoded
// or when the batch could not settle them, so SQS redelivers only those.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"skyhook/internal/config"
	"skyhook/internal/db"
	"skyhook/internal/logging"
	notify "skyhook/internal/notifications/core"
	"skyhook/internal/notifications/webhook"
	"skyhook/internal/queue"
	"skyhook/internal/registry"
	"skyhook/internal/types"
)

// BatchProcessor is satisfied by *notify.BatchProcessor.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, items []types.DeliveryMessage) (notify.BatchReport, error)
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	processor BatchProcessor
	logger    types.Logger
}

// Handle processes one SQS event with partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var response events.SQSEventResponse
	fail := func(recordID string) {
		response.BatchItemFailures = append(response.BatchItemFailures,
			events.SQSBatchItemFailure{ItemIdentifier: recordID})
	}

	items := make([]types.DeliveryMessage, 0, len(sqsEvent.Records))
	recordIDs := make(map[string]string, len(sqsEvent.Records))
	for _, record := range sqsEvent.Records {
		msg, err := queue.Decode(record.Body)
		if err != nil {
			h.logger.Error("failed to decode delivery message",
				"sqs_message_id", record.MessageId,
				"error", err.Error(),
			)
			fail(record.MessageId)
			continue
		}
		items = append(items, msg)
		recordIDs[msg.MessageID] = record.MessageId
	}
	if len(items) == 0 {
		return response, nil
	}

	report, err := h.processor.ProcessBatch(ctx, items)
	if err != nil {
		h.logger.Error("delivery batch failed", "items", len(items), "error", err.Error())
		for _, it := range items {
			fail(recordIDs[it.MessageID])
		}
		return response, nil
	}

	for _, u := range report.Unsettled {
		if id, ok := recordIDs[u.MessageID]; ok {
			fail(id)
		}
	}

	h.logger.Info("delivery batch processed",
		"received", len(sqsEvent.Records),
		"delivered", report.Delivered,
		"requeued", report.Requeued,
		"dropped", report.Dropped,
		"skipped", report.Skipped,
		"gone", report.Gone,
		"failures", len(response.BatchItemFailures),
	)
	return response, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Delivery.QueueURL == "" {
		return fmt.Errorf("DELIVERY_QUEUE_URL is required by the delivery worker")
	}

	logger := logging.New(cfg.LogLevel).With("service", "delivery-worker")
	log := logging.Adapt(logger)
	logger.Info("delivery worker initializing (cold start)", "version", cfg.Build.Version)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	pool, err := db.Connect(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}

	channel, err := webhook.NewChannel(&cfg.Discord, log.With("component", "webhook"))
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}

	processor := notify.NewBatchProcessor(notify.BatchConfig{
		GroupSize:   cfg.Delivery.GroupSize,
		Pause:       cfg.Delivery.BatchPause,
		Concurrency: cfg.Delivery.Concurrency,
		Retry:       notify.NewRetryPolicy(cfg.Delivery.Retry),
	},
		channel,
		registry.New(db.NewWebhookRepository(pool), log.With("component", "registry")),
		notify.NewSQSPublisher(newSQSClient(awsCfg, cfg.AWS.EndpointURL), cfg.Delivery.QueueURL, log.With("component", "publisher")),
		newMetrics(cfg, awsCfg, log),
		log.With("component", "batch"),
	)

	handler := &Handler{processor: processor, logger: log}

	logger.Info("delivery worker initialized",
		"queue_url", cfg.Delivery.QueueURL,
		"group_size", cfg.Delivery.GroupSize,
		"batch_pause", cfg.Delivery.BatchPause.String(),
		"max_attempts", cfg.Delivery.Retry.MaxAttempts,
	)

	lambda.Start(handler.Handle)
	return nil
}

func newSQSClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func newMetrics(cfg *config.Config, awsCfg aws.Config, log types.Logger) notify.DeliveryMetrics {
	if !cfg.Observability.EnableMetrics {
		return notify.NopMetrics{}
	}
	return notify.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace, log.With("component", "metrics"))
}

var _ types.Logger = (*logging.SlogAdapter)(nil)
