// Package registry answers which Discord destinations watch which accounts.
// Every call reads the store; nothing is cached between calls.
package registry

import (
	"context"
	"fmt"

	"skyhook/internal/types"
)

// Store is the persistence the registry needs. *db.WebhookRepository
// satisfies it.
type Store interface {
	Insert(ctx context.Context, w *types.Webhook) error
	ListByDID(ctx context.Context, did string) ([]types.Destination, error)
	ListDestinations(ctx context.Context) ([]types.Destination, error)
	DistinctDIDs(ctx context.Context) ([]string, error)
	DeleteDestination(ctx context.Context, dest types.Destination) (int64, error)
	DeleteSubscription(ctx context.Context, dest types.Destination, did string) (int64, error)
}

// Registry is the subscription registry adapter.
type Registry struct {
	store  Store
	logger types.Logger
}

// New creates a Registry.
func New(store Store, logger types.Logger) *Registry {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Registry{store: store, logger: logger}
}

// DestinationsFor returns the destinations subscribed to did, without
// duplicates.
func (r *Registry) DestinationsFor(ctx context.Context, did string) ([]types.Destination, error) {
	dests, err := r.store.ListByDID(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("destinations for %s: %w", did, err)
	}
	return dedupe(dests), nil
}

// WatchedIdentifiers returns every account with at least one subscriber.
func (r *Registry) WatchedIdentifiers(ctx context.Context) ([]string, error) {
	dids, err := r.store.DistinctDIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("watched identifiers: %w", err)
	}
	return dids, nil
}

// RemoveDestination deregisters a destination from every account it
// watches. Removing one that is already gone succeeds.
func (r *Registry) RemoveDestination(ctx context.Context, dest types.Destination) error {
	n, err := r.store.DeleteDestination(ctx, dest)
	if err != nil {
		return fmt.Errorf("remove destination %s: %w", dest.ID, err)
	}
	r.logger.Info("destination removed", "webhook_id", dest.ID, "rows", n)
	return nil
}

// RegisteredSet snapshots every registered destination, keyed by
// Destination.Key, for filtering a whole batch with one query.
func (r *Registry) RegisteredSet(ctx context.Context) (map[string]struct{}, error) {
	dests, err := r.store.ListDestinations(ctx)
	if err != nil {
		return nil, fmt.Errorf("registered set: %w", err)
	}
	set := make(map[string]struct{}, len(dests))
	for _, d := range dests {
		set[d.Key()] = struct{}{}
	}
	return set, nil
}

// Register subscribes a destination to an account.
func (r *Registry) Register(ctx context.Context, w *types.Webhook) error {
	if err := r.store.Insert(ctx, w); err != nil {
		return err
	}
	r.logger.Info("webhook registered", "webhook_id", w.ID, "did", w.DID)
	return nil
}

// Unsubscribe removes one account from a destination, or every account
// when did is empty. It returns the number of subscriptions removed.
func (r *Registry) Unsubscribe(ctx context.Context, dest types.Destination, did string) (int64, error) {
	var (
		n   int64
		err error
	)
	if did == "" {
		n, err = r.store.DeleteDestination(ctx, dest)
	} else {
		n, err = r.store.DeleteSubscription(ctx, dest, did)
	}
	if err != nil {
		return 0, err
	}
	r.logger.Info("webhook unsubscribed", "webhook_id", dest.ID, "did", did, "rows", n)
	return n, nil
}

func dedupe(dests []types.Destination) []types.Destination {
	seen := make(map[string]struct{}, len(dests))
	out := dests[:0]
	for _, d := range dests {
		if _, ok := seen[d.Key()]; ok {
			continue
		}
		seen[d.Key()] = struct{}{}
		out = append(out, d)
	}
	return out
}
