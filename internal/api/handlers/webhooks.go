// Package handlers contains the HTTP handlers of the registration API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"skyhook/internal/core"
	"skyhook/internal/external"
	"skyhook/internal/types"
)

// WebhookStore checks for an exact registration. *db.WebhookRepository
// satisfies it.
type WebhookStore interface {
	Exists(ctx context.Context, id, token, did string) (bool, error)
}

// Subscriptions is the write side of the registry.
type Subscriptions interface {
	Register(ctx context.Context, w *types.Webhook) error
	Unsubscribe(ctx context.Context, dest types.Destination, did string) (int64, error)
}

// WebhookVerifier confirms a Discord webhook exists before it is stored.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, dest types.Destination) (*external.WebhookInfo, error)
}

// ProfileFetcher resolves the account a registration wants to follow.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, did string) (*types.Profile, error)
}

// WatchRefresher pushes the registry's watched accounts to the firehose.
type WatchRefresher interface {
	RefreshWatchList(ctx context.Context) error
}

// RegisterWebhookRequest is the body of POST /webhooks.
type RegisterWebhookRequest struct {
	ID    string `json:"id" validate:"required,snowflake"`
	Token string `json:"token" validate:"required,max=128"`
	DID   string `json:"did" validate:"required,plcdid"`
}

// DeleteWebhookRequest is the body of DELETE /webhooks.
type DeleteWebhookRequest struct {
	ID    string `json:"id" validate:"required,snowflake"`
	Token string `json:"token" validate:"required,max=128"`
}

// SuccessResponse is returned by the mutating endpoints.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// WebhookHandler serves webhook registration and removal.
type WebhookHandler struct {
	store      WebhookStore
	subs       Subscriptions
	discord    WebhookVerifier
	profiles   ProfileFetcher
	watch      WatchRefresher
	validator  *core.Validator
	logger     *slog.Logger
	projectURL string
}

// NewWebhookHandler creates a WebhookHandler. watch may be nil when nothing
// consumes the watch list.
func NewWebhookHandler(
	store WebhookStore,
	subs Subscriptions,
	discord WebhookVerifier,
	profiles ProfileFetcher,
	watch WatchRefresher,
	v *core.Validator,
	l *slog.Logger,
	projectURL string,
) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WebhookHandler{
		store:      store,
		subs:       subs,
		discord:    discord,
		profiles:   profiles,
		watch:      watch,
		validator:  v,
		logger:     l,
		projectURL: projectURL,
	}
}

// RegisterRoutes mounts the webhook routes and the root redirect.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Index)
	r.Post("/webhooks", h.Register)
	r.Delete("/webhooks", h.Delete)
}

// Index redirects browsers to the project page.
func (h *WebhookHandler) Index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.projectURL, http.StatusFound)
}

// Register handles POST /webhooks.
//
//  1. Decode and validate the body.
//  2. Reject an exact duplicate with 409.
//  3. Verify the webhook with Discord.
//  4. Resolve the account's profile.
//  5. Persist, then refresh the firehose filter.
func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterWebhookRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	exists, err := h.store.Exists(ctx, req.ID, req.Token, req.DID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if exists {
		core.Error(w, r, types.NewAppError(types.ErrCodeConflictWebhookExists,
			"webhook is already registered for this account", nil))
		return
	}

	webhook := &types.Webhook{ID: req.ID, Token: types.SecretString(req.Token), DID: req.DID}

	info, err := h.discord.VerifyWebhook(ctx, webhook.Destination())
	if err != nil {
		if errors.Is(err, types.ErrDestinationGone) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidWebhook,
				"discord webhook does not exist or the token is wrong", err))
			return
		}
		h.logger.WarnContext(ctx, "discord webhook verification failed", "webhook_id", req.ID, "error", err)
		core.Error(w, r, err)
		return
	}

	profile, err := h.profiles.GetProfile(ctx, req.DID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus() >= http.StatusInternalServerError {
			h.logger.WarnContext(ctx, "profile lookup unavailable", "did", req.DID, "error", err)
			core.Error(w, r, appErr)
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDID,
			"account could not be found on Bluesky", err))
		return
	}

	if err := h.subs.Register(ctx, webhook); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook registered",
		"webhook_id", req.ID,
		"channel_id", info.ChannelID,
		"did", req.DID,
		"handle", profile.Handle,
	)

	if h.watch != nil {
		if err := h.watch.RefreshWatchList(ctx); err != nil {
			h.logger.ErrorContext(ctx, "watch list refresh failed after registration", "did", req.DID, "error", err)
		}
	}

	core.JSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}

// Delete handles DELETE /webhooks. Every account the webhook follows is
// dropped.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DeleteWebhookRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	dest := types.Destination{ID: req.ID, Token: types.SecretString(req.Token)}
	n, err := h.subs.Unsubscribe(ctx, dest, "")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if n == 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook is not registered", nil))
		return
	}

	if h.watch != nil {
		if err := h.watch.RefreshWatchList(ctx); err != nil {
			h.logger.ErrorContext(ctx, "watch list refresh failed after removal", "webhook_id", req.ID, "error", err)
		}
	}

	core.JSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}
