package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"skyhook/internal/types"
)

type mockLogger struct{}

func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Error(msg string, args ...any) {}
func (m *mockLogger) Warn(msg string, args ...any)  {}
func (m *mockLogger) With(args ...any) types.Logger { return m }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// scriptedExecutor returns queued outcomes per destination ID, then success.
type scriptedExecutor struct {
	mu     sync.Mutex
	script map[string][]types.DeliveryResult
	calls  []executeCall
}

type executeCall struct {
	dest      types.Destination
	timestamp string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{script: map[string][]types.DeliveryResult{}}
}

func (e *scriptedExecutor) on(destID string, results ...types.DeliveryResult) *scriptedExecutor {
	e.script[destID] = append(e.script[destID], results...)
	return e
}

func (e *scriptedExecutor) Execute(_ context.Context, dest types.Destination, msg types.OutboundMessage) types.DeliveryResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, executeCall{dest: dest, timestamp: msg.Timestamp()})
	result := types.DeliveryResult{Outcome: types.OutcomeSuccess, StatusCode: 204}
	if queue := e.script[dest.ID]; len(queue) > 0 {
		result = queue[0]
		e.script[dest.ID] = queue[1:]
	}
	result.Destination = dest
	return result
}

func (e *scriptedExecutor) callsFor(destID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.dest.ID == destID {
			n++
		}
	}
	return n
}

func rateLimited(after time.Duration) types.DeliveryResult {
	return types.DeliveryResult{Outcome: types.OutcomeRateLimited, StatusCode: 429, RetryAfter: after, Err: types.ErrDestinationRateLimited}
}

func gone() types.DeliveryResult {
	return types.DeliveryResult{Outcome: types.OutcomeGone, StatusCode: 404, Err: types.ErrDestinationGone}
}

func transient() types.DeliveryResult {
	return types.DeliveryResult{Outcome: types.OutcomeTransientFailure, StatusCode: 500, Err: types.ErrDestinationTransient}
}

// memRegistry is an in-memory destination registry.
type memRegistry struct {
	mu     sync.Mutex
	dests   map[string]types.Destination
	removed []types.Destination
	setErr  error
}

func newMemRegistry(dests ...types.Destination) *memRegistry {
	r := &memRegistry{dests: map[string]types.Destination{}}
	for _, d := range dests {
		r.dests[d.Key()] = d
	}
	return r
}

func (r *memRegistry) RemoveDestination(_ context.Context, dest types.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dests, dest.Key())
	r.removed = append(r.removed, dest)
	return nil
}

func (r *memRegistry) RegisteredSet(context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return nil, r.setErr
	}
	set := make(map[string]struct{}, len(r.dests))
	for k := range r.dests {
		set[k] = struct{}{}
	}
	return set, nil
}

// memPublisher records published items, applying the same RetryCount
// contract as SQSPublisher.
type memPublisher struct {
	mu        sync.Mutex
	enqueued  []types.DeliveryMessage
	requeued  []types.DeliveryMessage
	delays    []time.Duration
	failAfter int
}

func (p *memPublisher) Enqueue(_ context.Context, msg types.DeliveryMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 && len(p.enqueued) >= p.failAfter {
		return errors.New("queue unavailable")
	}
	p.enqueued = append(p.enqueued, msg)
	return nil
}

func (p *memPublisher) Requeue(_ context.Context, msg types.DeliveryMessage, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter < 0 {
		return errors.New("queue unavailable")
	}
	msg.RetryCount++
	p.requeued = append(p.requeued, msg)
	p.delays = append(p.delays, delay)
	return nil
}

// countingMetrics counts outcomes.
type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[types.DeliveryOutcome]int
	lags     []time.Duration
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[types.DeliveryOutcome]int{}}
}

func (m *countingMetrics) RecordOutcome(_ context.Context, o types.DeliveryOutcome) {
	m.mu.Lock()
	m.outcomes[o]++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordLatency(context.Context, time.Duration) {}

func (m *countingMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.mu.Lock()
	m.lags = append(m.lags, lag)
	m.mu.Unlock()
}
