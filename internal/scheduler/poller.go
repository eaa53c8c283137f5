// Package scheduler implements the periodic jobs that run beside the
// Jetstream consumer.
//
// This file implements the FeedPoller, an alternative ingestion path that
// reads each watched account's author feed and routes posts newer than a
// stored checkpoint through the dispatcher. It backfills posts missed while
// the stream was down.
//
// Key behaviors:
//   - One getAuthorFeed call per watched DID, bounded by POLLER_CONCURRENCY.
//   - Posts are published oldest first; the checkpoint advances after each
//     published post, so a failure resumes from the last success.
//   - A DID without a checkpoint is seeded at its newest post and delivers
//     nothing on that first pass.
//   - Checkpoints of DIDs nobody watches any more are deleted each pass.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"skyhook/internal/config"
	"skyhook/internal/external"
	"skyhook/internal/notifications/core"
	"skyhook/internal/types"
)

// FeedSource fetches author feeds; external.BlueskyClient in production.
type FeedSource interface {
	GetAuthorFeed(ctx context.Context, did string, limit int) (*external.AuthorFeed, error)
}

// CheckpointStore persists the created-at checkpoint per DID.
type CheckpointStore interface {
	Get(ctx context.Context, did string) (time.Time, bool, error)
	Advance(ctx context.Context, did string, t time.Time) error
	PruneExcept(ctx context.Context, dids []string) (int64, error)
}

// WatchList lists the DIDs with at least one registered webhook.
type WatchList interface {
	WatchedIdentifiers(ctx context.Context) ([]string, error)
}

// PostPublisher delivers one post; dispatch.Dispatcher in production.
type PostPublisher interface {
	Publish(ctx context.Context, post types.PostRecord, profile *types.Profile) (core.Summary, error)
}

// PollReport summarises one polling pass.
type PollReport struct {
	DIDs      int
	Published int
	Seeded    int
	Failed    int
}

// FeedPoller polls author feeds for watched DIDs.
type FeedPoller struct {
	cfg         config.PollerConfig
	feeds       FeedSource
	checkpoints CheckpointStore
	watch       WatchList
	publisher   PostPublisher
	logger      types.Logger
}

// NewFeedPoller creates a FeedPoller.
func NewFeedPoller(cfg config.PollerConfig, feeds FeedSource, checkpoints CheckpointStore, watch WatchList, publisher PostPublisher, logger types.Logger) *FeedPoller {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &FeedPoller{
		cfg:         cfg,
		feeds:       feeds,
		checkpoints: checkpoints,
		watch:       watch,
		publisher:   publisher,
		logger:      logger,
	}
}

// Run polls immediately and then every Interval until ctx is cancelled.
func (p *FeedPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error("feed poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs one pass over every watched DID. Per-DID failures are logged and
// counted; only failing to list the watched DIDs is returned.
func (p *FeedPoller) Poll(ctx context.Context) (PollReport, error) {
	dids, err := p.watch.WatchedIdentifiers(ctx)
	if err != nil {
		return PollReport{}, fmt.Errorf("list watched DIDs: %w", err)
	}

	if pruned, err := p.checkpoints.PruneExcept(ctx, dids); err != nil {
		p.logger.Warn("failed to prune feed checkpoints", "error", err)
	} else if pruned > 0 {
		p.logger.Info("pruned feed checkpoints", "count", pruned)
	}

	var published, seeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, did := range dids {
		g.Go(func() error {
			n, wasSeeded, err := p.pollDID(gctx, did)
			published.Add(int64(n))
			if wasSeeded {
				seeded.Add(1)
			}
			if err != nil {
				failed.Add(1)
				p.logger.Error("author feed poll failed", "did", did, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := PollReport{
		DIDs:      len(dids),
		Published: int(published.Load()),
		Seeded:    int(seeded.Load()),
		Failed:    int(failed.Load()),
	}
	p.logger.Info("feed poll complete",
		"dids", report.DIDs,
		"published", report.Published,
		"seeded", report.Seeded,
		"failed", report.Failed,
	)
	return report, nil
}

func (p *FeedPoller) pollDID(ctx context.Context, did string) (published int, seeded bool, err error) {
	feed, err := p.feeds.GetAuthorFeed(ctx, did, p.cfg.Limit)
	if err != nil {
		return 0, false, err
	}
	if len(feed.Posts) == 0 {
		return 0, false, nil
	}

	last, ok, err := p.checkpoints.Get(ctx, did)
	if err != nil {
		return 0, false, err
	}

	posts := newerThan(feed.Posts, last)
	if len(posts) == 0 {
		return 0, false, nil
	}
	if !ok {
		newest := posts[len(posts)-1].CreatedAt
		if err := p.checkpoints.Advance(ctx, did, newest); err != nil {
			return 0, false, err
		}
		p.logger.Info("seeded feed checkpoint", "did", did, "created_at", newest)
		return 0, true, nil
	}

	for _, post := range posts {
		if _, err := p.publisher.Publish(ctx, post, feed.Author); err != nil {
			return published, false, fmt.Errorf("publish %s: %w", post.RKey, err)
		}
		if err := p.checkpoints.Advance(ctx, did, post.CreatedAt); err != nil {
			return published, false, err
		}
		published++
	}
	return published, false, nil
}

// newerThan returns the posts created after since, oldest first. A zero since
// keeps every post.
func newerThan(posts []types.PostRecord, since time.Time) []types.PostRecord {
	out := make([]types.PostRecord, 0, len(posts))
	for _, post := range posts {
		if post.CreatedAt.After(since) {
			out = append(out, post)
		}
	}
	slices.SortStableFunc(out, func(a, b types.PostRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
