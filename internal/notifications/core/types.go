// Package core is the delivery fan-out engine. It takes one rendered message
// and a set of destinations and either posts to all of them at once
// (immediate mode) or enqueues one work item per destination for the paced
// BatchProcessor (queued mode).
package core

import (
	"context"
	"time"

	"skyhook/internal/config"
	"skyhook/internal/types"
)

// Executor posts one message to one destination. *webhook.Channel
// implements it.
type Executor interface {
	Execute(ctx context.Context, dest types.Destination, msg types.OutboundMessage) types.DeliveryResult
}

// DestinationRegistry is the part of the registry the engine mutates.
type DestinationRegistry interface {
	RemoveDestination(ctx context.Context, dest types.Destination) error
	RegisteredSet(ctx context.Context) (map[string]struct{}, error)
}

// Publisher sends work items to the delivery queue.
type Publisher interface {
	// Enqueue sends a new item as-is.
	Enqueue(ctx context.Context, msg types.DeliveryMessage) error
	// Requeue sends an item back after a rate limit, incrementing its
	// RetryCount and delaying its visibility.
	Requeue(ctx context.Context, msg types.DeliveryMessage, delay time.Duration) error
}

// DeliveryMetrics records delivery telemetry.
type DeliveryMetrics interface {
	RecordOutcome(ctx context.Context, outcome types.DeliveryOutcome)
	RecordLatency(ctx context.Context, d time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// RetryPolicy shapes the backoff applied to rate-limited queued items.
type RetryPolicy struct {
	// MaxAttempts of 0 re-queues indefinitely.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NewRetryPolicy builds a RetryPolicy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.Multiplier,
	}
}

// Exhausted reports whether an item that has been re-queued retryCount
// times may not be re-queued again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount+1 >= p.MaxAttempts
}

// CalculateNextRetry computes min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay >= float64(policy.MaxDelay) {
			return policy.MaxDelay
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}

// requeueDelay prefers the provider's Retry-After over the policy.
func requeueDelay(policy RetryPolicy, result types.DeliveryResult, retryCount int) time.Duration {
	if result.RetryAfter > 0 {
		return result.RetryAfter
	}
	return CalculateNextRetry(policy, retryCount)
}

// Summary counts the outcomes of one fan-out.
type Summary struct {
	Delivered   int
	RateLimited int
	Gone        int
	Failed      int
	Enqueued    int
}

func (s *Summary) add(outcome types.DeliveryOutcome) {
	switch outcome {
	case types.OutcomeSuccess:
		s.Delivered++
	case types.OutcomeRateLimited:
		s.RateLimited++
	case types.OutcomeGone:
		s.Gone++
	default:
		s.Failed++
	}
}
