// Package external holds the clients for the third-party HTTP APIs skyhook
// reads from: the Bluesky AppView and the Discord webhook API.
//
// All calls go through BaseClient, which wraps each attempt in a circuit
// breaker and retries 429 and 5xx responses with backoff.
package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"skyhook/internal/types"
)

// maxErrorBody limits how much of a non-2xx body is kept on a StatusError.
const maxErrorBody = 1024

// RetryPolicy configures BaseClient retries.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy is used by the Bluesky and Discord clients.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// StatusError is a non-2xx response that was not retried, or whose retries
// ran out on a 4xx.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// BaseClient wraps an *http.Client with a circuit breaker and retries.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    RetryPolicy
	userAgent string
	logger    types.Logger
	wait      func(ctx context.Context, d time.Duration) error
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc replaces the backoff wait. Tests use it to skip real delays.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.wait = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// NewBaseClient creates a BaseClient whose breaker, named name, opens after
// five consecutive failed attempts and half-opens after 30 seconds.
func NewBaseClient(httpClient *http.Client, name string, policy RetryPolicy, userAgent string, logger types.Logger, opts ...BaseClientOption) *BaseClient {
	if logger == nil {
		logger = types.NopLogger{}
	}
	c := &BaseClient{
		client:    httpClient,
		policy:    policy,
		userAgent: userAgent,
		logger:    logger,
		wait:      sleepCtx,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. 429 and 5xx responses and transport errors are retried; any
// other response is returned as-is for the caller to interpret and close.
// When retries run out or the breaker is open, Do returns a *types.AppError
// with an upstream code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Body != nil && req.GetBody == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "request body is not replayable", nil)
	}

	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to replay request body", err)
				}
				req.Body = body
			}
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		var retryAfter string
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
			drain(resp)
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if req.Context().Err() != nil {
			break
		}
		if attempt == c.policy.MaxRetries {
			break
		}

		if werr := c.wait(req.Context(), c.backoff(attempt, retryAfter)); werr != nil {
			lastErr = werr
			break
		}
	}

	return nil, c.mapError(lastStatus, lastErr)
}

// GetJSON issues a GET and decodes a 2xx JSON body into out. Other statuses
// come back as *StatusError.
func (c *BaseClient) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// backoff honours Retry-After (seconds or HTTP date) when present, otherwise
// draws a jittered exponential delay. Both are clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil {
			return c.clamp(time.Duration(secs * float64(time.Second)))
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return c.clamp(time.Until(t))
		}
	}

	ceiling := float64(c.policy.MinWait) * math.Pow(2, float64(attempt))
	floor := float64(c.policy.MinWait)
	if ceiling <= floor {
		return c.clamp(c.policy.MinWait)
	}
	return c.clamp(time.Duration(floor + rand.Float64()*(ceiling-floor)))
}

func (c *BaseClient) clamp(d time.Duration) time.Duration {
	if d < c.policy.MinWait {
		return c.policy.MinWait
	}
	if c.policy.MaxWait > 0 && d > c.policy.MaxWait {
		return c.policy.MaxWait
	}
	return d
}

func (c *BaseClient) mapError(status int, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker open", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d after retries", status), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
