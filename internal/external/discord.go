package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"skyhook/internal/config"
	"skyhook/internal/types"
)

// WebhookInfo is the subset of Discord's webhook object returned by a
// token-authenticated GET.
type WebhookInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

// DiscordClient checks webhooks before they are registered. Delivery itself
// goes through webhook.Channel, which must classify each response rather
// than retry.
type DiscordClient struct {
	base    *BaseClient
	baseURL string
}

// NewDiscordClient creates a DiscordClient.
func NewDiscordClient(cfg *config.DiscordConfig, logger types.Logger, opts ...BaseClientOption) *DiscordClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &DiscordClient{
		base:    NewBaseClient(httpClient, "discord-api", DefaultRetryPolicy(), cfg.UserAgent, logger, opts...),
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
	}
}

// VerifyWebhook confirms that the webhook exists and the token is valid.
// An unknown webhook or bad token yields types.ErrDestinationGone; upstream
// failures are returned as *types.AppError.
func (c *DiscordClient) VerifyWebhook(ctx context.Context, dest types.Destination) (*WebhookInfo, error) {
	endpoint := fmt.Sprintf("%s/webhooks/%s/%s", c.baseURL, url.PathEscape(dest.ID), url.PathEscape(dest.Token.Unmask()))

	var info WebhookInfo
	err := c.base.GetJSON(ctx, endpoint, &info)
	if err == nil {
		return &info, nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusBadRequest:
			return nil, fmt.Errorf("%w: webhook %s (discord code %d)", types.ErrDestinationGone, dest.ID, discordCode(statusErr.Body))
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamDiscord,
			fmt.Sprintf("discord returned %d verifying webhook", statusErr.StatusCode), nil)
	}

	// Transport errors quote the URL, which contains the token.
	scrubbed := errors.New(strings.ReplaceAll(err.Error(), dest.Token.Unmask(), "***"))
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return nil, types.NewAppError(appErr.Code, appErr.Message, scrubbed)
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamDiscord, "discord request failed", scrubbed)
}

func discordCode(body []byte) int {
	var e struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(body, &e) != nil {
		return 0
	}
	return e.Code
}
