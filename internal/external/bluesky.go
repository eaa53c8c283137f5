package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"skyhook/internal/config"
	"skyhook/internal/lexicon"
	"skyhook/internal/types"
)

// FeedFilterPostsNoReplies excludes replies from an author feed.
const FeedFilterPostsNoReplies = "posts_no_replies"

// BlueskyClient reads public data from the Bluesky AppView. No
// authentication is needed for the endpoints it calls.
type BlueskyClient struct {
	base    *BaseClient
	baseURL string
}

// NewBlueskyClient creates a BlueskyClient.
func NewBlueskyClient(cfg *config.BlueskyConfig, logger types.Logger, opts ...BaseClientOption) *BlueskyClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &BlueskyClient{
		base:    NewBaseClient(httpClient, "bluesky-appview", DefaultRetryPolicy(), "skyhook", logger, opts...),
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
	}
}

// GetProfile fetches an account's profile. Every failure wraps
// types.ErrProfileUnavailable; an upstream outage additionally carries the
// *types.AppError from the base client so callers can tell the two apart.
func (c *BlueskyClient) GetProfile(ctx context.Context, did string) (*types.Profile, error) {
	endpoint := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s", c.baseURL, url.QueryEscape(did))

	var profile types.Profile
	if err := c.base.GetJSON(ctx, endpoint, &profile); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w: %s: %s", types.ErrProfileUnavailable, did, xrpcMessage(statusErr))
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrProfileUnavailable, did, err)
	}
	if profile.DID == "" {
		profile.DID = did
	}
	return &profile, nil
}

// AuthorFeed is the decoded result of one author-feed page.
type AuthorFeed struct {
	// Author is taken from the first authored entry; nil when the page has
	// none.
	Author *types.Profile
	// Posts are the authored posts, newest first, as the AppView returns
	// them. Reposts and undecodable entries are dropped.
	Posts []types.PostRecord
}

// GetAuthorFeed fetches the most recent posts of an account, excluding
// replies.
func (c *BlueskyClient) GetAuthorFeed(ctx context.Context, did string, limit int) (*AuthorFeed, error) {
	q := url.Values{}
	q.Set("actor", did)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("filter", FeedFilterPostsNoReplies)
	endpoint := c.baseURL + "/xrpc/app.bsky.feed.getAuthorFeed?" + q.Encode()

	var page lexicon.AuthorFeed
	if err := c.base.GetJSON(ctx, endpoint, &page); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, types.NewAppError(types.ErrCodeUpstreamBluesky,
				fmt.Sprintf("author feed for %s: %s", did, xrpcMessage(statusErr)), err)
		}
		return nil, fmt.Errorf("author feed for %s: %w", did, err)
	}

	feed := &AuthorFeed{Posts: make([]types.PostRecord, 0, len(page.Feed))}
	for _, item := range page.Feed {
		if item.IsRepost() || item.Post.Author.DID != did {
			continue
		}
		rec, err := item.Post.ToRecord()
		if err != nil {
			c.base.logger.Warn("skipping undecodable feed post", "uri", item.Post.URI, "error", err)
			continue
		}
		if feed.Author == nil {
			author := item.Post.Author
			feed.Author = &author
		}
		feed.Posts = append(feed.Posts, rec)
	}
	return feed, nil
}

// xrpcMessage extracts the message of an XRPC error body, falling back to
// the status code.
func xrpcMessage(e *StatusError) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Body, &body) == nil && (body.Message != "" || body.Error != "") {
		if body.Message != "" {
			return body.Message
		}
		return body.Error
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}
