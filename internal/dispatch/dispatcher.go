// Package dispatch turns commit events into deliveries: it filters and
// deduplicates posts, finds the webhooks watching the author, renders the
// Discord message, and hands it to the fan-out engine.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"skyhook/internal/notifications/core"
	"skyhook/internal/notifications/webhook"
	"skyhook/internal/types"
)

// Registry is the subset of registry.Registry the dispatcher reads.
type Registry interface {
	DestinationsFor(ctx context.Context, did string) ([]types.Destination, error)
	WatchedIdentifiers(ctx context.Context) ([]string, error)
}

// ProfileFetcher resolves author profiles for message rendering.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, did string) (*types.Profile, error)
}

// Deliverer fans a rendered message out to destinations.
type Deliverer interface {
	Deliver(ctx context.Context, did string, msg types.OutboundMessage, dests []types.Destination) core.Summary
}

// WatchSink receives the recomputed watch set; the Jetstream subscriber in
// production.
type WatchSink interface {
	UpdateWantedDIDs(dids []string) error
}

// Dispatcher handles one commit at a time. It is safe for concurrent use so
// the registration API and the feed poller can share it with the stream.
type Dispatcher struct {
	registry Registry
	profiles ProfileFetcher
	engine   Deliverer
	logger   types.Logger
	seen     *SeenMarkers
	sink     WatchSink
}

func New(registry Registry, profiles ProfileFetcher, engine Deliverer, logger types.Logger) *Dispatcher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Dispatcher{
		registry: registry,
		profiles: profiles,
		engine:   engine,
		logger:   logger,
		seen:     NewSeenMarkers(),
	}
}

// SetWatchSink wires the subscriber after construction; the subscriber
// itself needs the dispatcher as its handler.
func (d *Dispatcher) SetWatchSink(sink WatchSink) { d.sink = sink }

// Seen exposes the dedup markers for inspection.
func (d *Dispatcher) Seen() *SeenMarkers { return d.seen }

// HandleCommit processes one stream event. Only newly created top-level
// posts are delivered. A panic while handling the post is recovered and
// reported as an error so the stream keeps reading.
func (d *Dispatcher) HandleCommit(ctx context.Context, ev types.CommitEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling commit",
				"did", ev.DID,
				"rkey", ev.RKey,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic handling commit %s/%s: %v", ev.DID, ev.RKey, r)
		}
	}()

	if ev.Operation != types.OperationCreate || ev.Collection != types.PostCollection {
		return nil
	}
	if ev.Record == nil {
		return fmt.Errorf("create commit %s/%s has no post record", ev.DID, ev.RKey)
	}
	if ev.Record.IsReply {
		return nil
	}

	_, err = d.Publish(ctx, *ev.Record, nil)
	return err
}

// Publish delivers a post to every webhook watching its author. A nil
// profile is looked up; when that fails the DID stands in as the display
// name. Posts already seen for the author are skipped.
func (d *Dispatcher) Publish(ctx context.Context, post types.PostRecord, profile *types.Profile) (core.Summary, error) {
	did := post.AuthorDID
	if !d.seen.Mark(did, post.RKey) {
		d.logger.Info("skipping duplicate post", "did", did, "rkey", post.RKey)
		return core.Summary{}, nil
	}

	dests, err := d.registry.DestinationsFor(ctx, did)
	if err != nil {
		return core.Summary{}, fmt.Errorf("destinations for %s: %w", did, err)
	}
	if len(dests) == 0 {
		// The stream filter is stale: nobody watches this DID any more.
		if err := d.RefreshWatchList(ctx); err != nil {
			d.logger.Error("failed to refresh watch list", "error", err)
		}
		return core.Summary{}, nil
	}

	if profile == nil {
		profile = d.lookupProfile(ctx, did)
	}

	msg := webhook.BuildMessage(post, profile, d.logger)
	summary := d.engine.Deliver(ctx, did, msg, dests)

	d.logger.Info("post dispatched",
		"did", did,
		"rkey", post.RKey,
		"destinations", len(dests),
		"delivered", summary.Delivered,
		"enqueued", summary.Enqueued,
		"gone", summary.Gone,
		"failed", summary.Failed+summary.RateLimited,
	)
	return summary, nil
}

func (d *Dispatcher) lookupProfile(ctx context.Context, did string) *types.Profile {
	if d.profiles != nil {
		p, err := d.profiles.GetProfile(ctx, did)
		if err == nil && p != nil {
			return p
		}
		d.logger.Warn("profile lookup failed, using DID", "did", did, "error", err)
	}
	return &types.Profile{DID: did, DisplayName: did}
}

// RefreshWatchList recomputes the watched DIDs from the registry, forgets
// markers for DIDs no longer watched, and pushes the set to the stream.
func (d *Dispatcher) RefreshWatchList(ctx context.Context) error {
	dids, err := d.registry.WatchedIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("watched identifiers: %w", err)
	}

	pruned := d.seen.Retain(dids)
	d.logger.Info("watch list refreshed", "watched", len(dids), "markers_pruned", pruned)

	if d.sink == nil {
		return nil
	}
	if err := d.sink.UpdateWantedDIDs(dids); err != nil {
		return fmt.Errorf("update stream filter: %w", err)
	}
	return nil
}
