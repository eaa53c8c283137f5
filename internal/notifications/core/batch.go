package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"skyhook/internal/types"
)

// BatchConfig paces the queued consumer.
type BatchConfig struct {
	// GroupSize is the number of timestamp groups delivered between pauses.
	GroupSize int
	// Pause is slept after every GroupSize groups.
	Pause       time.Duration
	Concurrency int
	Retry       RetryPolicy
}

// BatchReport summarises one ProcessBatch call.
type BatchReport struct {
	Summary
	// Skipped counts items dropped because their destination was no longer
	// registered, either on arrival or after a 404 earlier in the batch.
	Skipped int
	// Requeued counts rate-limited items sent back to the queue.
	Requeued int
	// Dropped counts rate-limited items that ran out of attempts.
	Dropped int
	// Unsettled holds items whose re-queue failed. The caller must leave
	// them on the source queue so they are redelivered.
	Unsettled []types.DeliveryMessage
}

// BatchProcessor delivers a batch of queued work items in creation order,
// pausing between groups to stay under Discord's per-webhook rate limits.
type BatchProcessor struct {
	cfg       BatchConfig
	executor  Executor
	registry  DestinationRegistry
	publisher Publisher
	metrics   DeliveryMetrics
	logger    types.Logger
	clock     types.Clock
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewBatchProcessor creates a BatchProcessor.
func NewBatchProcessor(cfg BatchConfig, executor Executor, registry DestinationRegistry, publisher Publisher, metrics DeliveryMetrics, logger types.Logger) *BatchProcessor {
	if cfg.GroupSize < 1 {
		cfg.GroupSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &BatchProcessor{
		cfg:       cfg,
		executor:  executor,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		clock:     types.RealClock{},
		sleep:     sleepCtx,
	}
}

// SetClock overrides the clock for testing.
func (p *BatchProcessor) SetClock(c types.Clock) { p.clock = c }

// SetSleep overrides the pause between groups for testing.
func (p *BatchProcessor) SetSleep(fn func(ctx context.Context, d time.Duration) error) { p.sleep = fn }

// ProcessBatch runs the batch:
//  1. items whose destination is no longer registered are dropped;
//  2. the rest are grouped by primary embed timestamp, oldest group first;
//  3. each group is delivered concurrently. A 429 re-queues the item with
//     backoff; a 404 deregisters the destination and drops its remaining
//     items from the batch;
//  4. after every GroupSize groups, if more remain, it pauses.
//
// An error is returned only when the registry cannot be read, in which case
// nothing was sent and the whole batch should be retried.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, items []types.DeliveryMessage) (BatchReport, error) {
	var report BatchReport
	if len(items) == 0 {
		return report, nil
	}

	registered, err := p.registry.RegisteredSet(ctx)
	if err != nil {
		return report, fmt.Errorf("batch: load registered destinations: %w", err)
	}

	now := p.clock.Now()
	live := items[:0:0]
	for _, it := range items {
		if _, ok := registered[it.Destination().Key()]; !ok {
			report.Skipped++
			continue
		}
		if !it.EnqueuedAt.IsZero() {
			p.metrics.RecordQueueLag(ctx, now.Sub(it.EnqueuedAt))
		}
		live = append(live, it)
	}

	groups := groupByTimestamp(live)
	gone := make(map[string]struct{})

	for i, group := range groups {
		pending := group.items[:0:0]
		for _, it := range group.items {
			if _, ok := gone[it.Destination().Key()]; ok {
				report.Skipped++
				continue
			}
			pending = append(pending, it)
		}

		results := p.deliverGroup(ctx, pending)
		for j, result := range results {
			p.settle(ctx, pending[j], result, gone, &report)
		}

		if (i+1)%p.cfg.GroupSize == 0 && i+1 < len(groups) {
			p.logger.Info("pausing between delivery groups", "groups_done", i+1, "pause", p.cfg.Pause.String())
			if err := p.sleep(ctx, p.cfg.Pause); err != nil {
				// Shutting down; what is left stays on the source queue.
				for _, rest := range groups[i+1:] {
					report.Unsettled = append(report.Unsettled, rest.items...)
				}
				break
			}
		}
	}

	p.logger.Info("batch processed",
		"items", len(items),
		"groups", len(groups),
		"delivered", report.Delivered,
		"requeued", report.Requeued,
		"gone", report.Gone,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// deliverGroup executes every item concurrently and returns results in item
// order.
func (p *BatchProcessor) deliverGroup(ctx context.Context, items []types.DeliveryMessage) []types.DeliveryResult {
	results := make([]types.DeliveryResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			start := p.clock.Now()
			results[i] = p.executor.Execute(gctx, it.Destination(), it.Message)
			p.metrics.RecordLatency(gctx, p.clock.Now().Sub(start))
			p.metrics.RecordOutcome(gctx, results[i].Outcome)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *BatchProcessor) settle(ctx context.Context, item types.DeliveryMessage, result types.DeliveryResult, gone map[string]struct{}, report *BatchReport) {
	report.add(result.Outcome)

	switch result.Outcome {
	case types.OutcomeSuccess:

	case types.OutcomeRateLimited:
		if p.cfg.Retry.Exhausted(item.RetryCount) {
			report.Dropped++
			p.logger.Warn("rate-limited delivery out of attempts",
				"message_id", item.MessageID, "webhook_id", item.WebhookID, "retry_count", item.RetryCount)
			return
		}
		delay := requeueDelay(p.cfg.Retry, result, item.RetryCount)
		if err := p.publisher.Requeue(ctx, item, delay); err != nil {
			report.Unsettled = append(report.Unsettled, item)
			p.logger.Error("failed to requeue rate-limited delivery", "message_id", item.MessageID, "error", err)
			return
		}
		report.Requeued++

	case types.OutcomeGone:
		key := item.Destination().Key()
		if _, seen := gone[key]; seen {
			return
		}
		gone[key] = struct{}{}
		if err := p.registry.RemoveDestination(ctx, item.Destination()); err != nil {
			p.logger.Error("failed to remove gone destination", "webhook_id", item.WebhookID, "error", err)
		}

	default:
		p.logger.Warn("delivery failed",
			"message_id", item.MessageID,
			"webhook_id", item.WebhookID,
			"status", result.StatusCode,
			"error", errString(result.Err),
		)
	}
}

type timestampGroup struct {
	timestamp string
	at        time.Time
	items     []types.DeliveryMessage
}

// groupByTimestamp buckets items by primary embed timestamp and orders the
// buckets oldest first. Unparseable or missing timestamps sort first, among
// themselves by string.
func groupByTimestamp(items []types.DeliveryMessage) []timestampGroup {
	index := make(map[string]int)
	var groups []timestampGroup
	for _, it := range items {
		ts := it.Message.Timestamp()
		i, ok := index[ts]
		if !ok {
			at, _ := time.Parse(time.RFC3339Nano, ts)
			groups = append(groups, timestampGroup{timestamp: ts, at: at})
			i = len(groups) - 1
			index[ts] = i
		}
		groups[i].items = append(groups[i].items, it)
	}

	sort.SliceStable(groups, func(a, b int) bool {
		if !groups[a].at.Equal(groups[b].at) {
			return groups[a].at.Before(groups[b].at)
		}
		return groups[a].timestamp < groups[b].timestamp
	})
	return groups
}
