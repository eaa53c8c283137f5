package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skyhook/internal/types"
)

// EngineConfig tunes the fan-out engine.
type EngineConfig struct {
	Mode        types.DeliveryMode
	Concurrency int
}

// Engine fans one message out to many destinations.
type Engine struct {
	cfg       EngineConfig
	executor  Executor
	registry  DestinationRegistry
	publisher Publisher
	metrics   DeliveryMetrics
	logger    types.Logger
	clock     types.Clock
}

// NewEngine creates an Engine. publisher may be nil in immediate mode.
func NewEngine(cfg EngineConfig, executor Executor, registry DestinationRegistry, publisher Publisher, metrics DeliveryMetrics, logger types.Logger) (*Engine, error) {
	if cfg.Mode == types.DeliveryModeQueued && publisher == nil {
		return nil, fmt.Errorf("delivery engine: queued mode requires a publisher")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Engine{
		cfg:       cfg,
		executor:  executor,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		clock:     types.RealClock{},
	}, nil
}

// SetClock overrides the clock for testing.
func (e *Engine) SetClock(c types.Clock) { e.clock = c }

// Deliver sends msg, authored by did, to every destination. It returns once
// every destination has been attempted (immediate) or enqueued (queued);
// per-destination failures are logged and counted, never returned.
func (e *Engine) Deliver(ctx context.Context, did string, msg types.OutboundMessage, dests []types.Destination) Summary {
	if len(dests) == 0 {
		return Summary{}
	}
	if e.cfg.Mode == types.DeliveryModeQueued {
		return e.enqueue(ctx, did, msg, dests)
	}
	return e.deliverNow(ctx, did, msg, dests)
}

// deliverNow executes every destination concurrently. Rate limits are not
// retried; a gone destination is deregistered.
func (e *Engine) deliverNow(ctx context.Context, did string, msg types.OutboundMessage, dests []types.Destination) Summary {
	var (
		mu      sync.Mutex
		summary Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, dest := range dests {
		g.Go(func() error {
			result := e.execute(gctx, dest, msg)
			e.settle(gctx, did, result)

			mu.Lock()
			summary.add(result.Outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("fan-out complete",
		"did", did,
		"destinations", len(dests),
		"delivered", summary.Delivered,
		"rate_limited", summary.RateLimited,
		"gone", summary.Gone,
		"failed", summary.Failed,
	)
	return summary
}

// execute runs one attempt and records its metrics.
func (e *Engine) execute(ctx context.Context, dest types.Destination, msg types.OutboundMessage) types.DeliveryResult {
	start := e.clock.Now()
	result := e.executor.Execute(ctx, dest, msg)
	e.metrics.RecordLatency(ctx, e.clock.Now().Sub(start))
	e.metrics.RecordOutcome(ctx, result.Outcome)
	return result
}

// settle applies the immediate-mode consequences of one result.
func (e *Engine) settle(ctx context.Context, did string, result types.DeliveryResult) {
	switch result.Outcome {
	case types.OutcomeSuccess:
	case types.OutcomeGone:
		if err := e.registry.RemoveDestination(ctx, result.Destination); err != nil {
			e.logger.Error("failed to remove gone destination", "webhook_id", result.Destination.ID, "error", err)
		}
	default:
		e.logger.Warn("delivery failed",
			"did", did,
			"webhook_id", result.Destination.ID,
			"outcome", string(result.Outcome),
			"error", errString(result.Err),
		)
	}
}

// enqueue publishes one work item per destination.
func (e *Engine) enqueue(ctx context.Context, did string, msg types.OutboundMessage, dests []types.Destination) Summary {
	var summary Summary
	now := e.clock.Now().UTC()
	for _, dest := range dests {
		item := types.DeliveryMessage{
			MessageID:    uuid.NewString(),
			WebhookID:    dest.ID,
			WebhookToken: dest.Token.Unmask(),
			DID:          did,
			Message:      msg,
			EnqueuedAt:   now,
		}
		if err := e.publisher.Enqueue(ctx, item); err != nil {
			summary.Failed++
			e.logger.Error("failed to enqueue delivery", "did", did, "webhook_id", dest.ID, "error", err)
			continue
		}
		summary.Enqueued++
	}
	return summary
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
