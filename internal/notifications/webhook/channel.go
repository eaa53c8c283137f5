// Package webhook renders Bluesky posts as Discord messages and executes
// Discord webhooks.
//
// Execute never returns an error value on its own: every attempt, including
// transport failures, is folded into a types.DeliveryResult whose Outcome the
// fan-out engine acts on.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"skyhook/internal/config"
	"skyhook/internal/types"
)

// maxResponseBodyRead limits how much of a response body is read for
// diagnostics and retry hints.
const maxResponseBodyRead = 4096

// Channel executes Discord webhooks.
type Channel struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     types.Logger
	clock      types.Clock
}

// NewChannel creates a Channel with its own HTTP client.
func NewChannel(cfg *config.DiscordConfig, logger types.Logger) (*Channel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("discord channel: config is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("discord channel: logger is nil")
	}

	return NewChannelWithClient(cfg, &http.Client{Timeout: cfg.Timeout}, logger), nil
}

// NewChannelWithClient creates a Channel with a caller-supplied HTTP client,
// typically an httptest server's.
func NewChannelWithClient(cfg *config.DiscordConfig, httpClient *http.Client, logger types.Logger) *Channel {
	return &Channel{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		logger:     logger,
		clock:      types.RealClock{},
	}
}

// SetClock overrides the clock for testing.
func (c *Channel) SetClock(clock types.Clock) {
	c.clock = clock
}

// ExecuteURL is the execute endpoint for a destination. It embeds the raw
// token and must not be logged.
func (c *Channel) ExecuteURL(dest types.Destination) string {
	return fmt.Sprintf("%s/webhooks/%s/%s", c.baseURL, url.PathEscape(dest.ID), url.PathEscape(dest.Token.Unmask()))
}

// Execute posts msg to the destination and classifies the response:
//   - 2xx: OutcomeSuccess
//   - 429: OutcomeRateLimited, with RetryAfter from the header or body
//   - 404: OutcomeGone; the webhook was deleted
//   - anything else, including transport errors: OutcomeTransientFailure
func (c *Channel) Execute(ctx context.Context, dest types.Destination, msg types.OutboundMessage) types.DeliveryResult {
	result := types.DeliveryResult{Destination: dest}

	payload, err := json.Marshal(msg)
	if err != nil {
		result.Outcome = types.OutcomeTransientFailure
		result.Err = fmt.Errorf("%w: encoding message: %v", types.ErrDestinationTransient, err)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ExecuteURL(dest), bytes.NewReader(payload))
	if err != nil {
		result.Outcome = types.OutcomeTransientFailure
		result.Err = fmt.Errorf("%w: building request: %v", types.ErrDestinationTransient, err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("discord network error",
			"webhook_id", dest.ID,
			"error", scrubToken(err.Error(), dest),
		)
		result.Outcome = types.OutcomeTransientFailure
		result.Err = fmt.Errorf("%w: %s", types.ErrDestinationTransient, scrubToken(err.Error(), dest))
		return result
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	result.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Outcome = types.OutcomeSuccess

	case resp.StatusCode == http.StatusTooManyRequests:
		result.Outcome = types.OutcomeRateLimited
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), body, c.clock)
		result.Err = fmt.Errorf("%w: retry after %s", types.ErrDestinationRateLimited, result.RetryAfter)
		c.logger.Warn("discord rate limited",
			"webhook_id", dest.ID,
			"retry_after", result.RetryAfter.String(),
			"global", resp.Header.Get("X-RateLimit-Global") == "true",
		)

	case resp.StatusCode == http.StatusNotFound:
		result.Outcome = types.OutcomeGone
		result.Err = fmt.Errorf("%w: discord code %d", types.ErrDestinationGone, discordErrorCode(body))
		c.logger.Warn("discord webhook gone", "webhook_id", dest.ID)

	default:
		result.Outcome = types.OutcomeTransientFailure
		result.Err = fmt.Errorf("%w: status %d: %s", types.ErrDestinationTransient, resp.StatusCode, truncateBody(body))
		c.logger.Warn("discord delivery failed",
			"webhook_id", dest.ID,
			"status", resp.StatusCode,
			"body", truncateBody(body),
		)
	}

	return result
}

// scrubToken removes the webhook token from transport error text, which
// net/http prefixes with the request URL.
func scrubToken(s string, dest types.Destination) string {
	if tok := dest.Token.Unmask(); tok != "" {
		s = strings.ReplaceAll(s, tok, "***")
		s = strings.ReplaceAll(s, url.PathEscape(tok), "***")
	}
	return s
}
