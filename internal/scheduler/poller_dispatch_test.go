package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/dispatch"
	"skyhook/internal/external"
	"skyhook/internal/notifications/core"
	"skyhook/internal/types"
)

type oneDestinationRegistry struct{ did string }

func (r oneDestinationRegistry) DestinationsFor(_ context.Context, did string) ([]types.Destination, error) {
	if did != r.did {
		return nil, nil
	}
	return []types.Destination{{ID: "111111111111111111", Token: "tok"}}, nil
}

func (r oneDestinationRegistry) WatchedIdentifiers(context.Context) ([]string, error) {
	return []string{r.did}, nil
}

type countingEngine struct {
	mu   sync.Mutex
	urls []string
}

func (e *countingEngine) Deliver(_ context.Context, _ string, msg types.OutboundMessage, dests []types.Destination) core.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls = append(e.urls, msg.Embeds[0].URL)
	return core.Summary{Delivered: len(dests)}
}

func TestPoll_SkipsPostsTheStreamDelivered(t *testing.T) {
	const (
		rkeyX = "3kabcdefghij2"
		rkeyY = "3kabcdefghij4"
		rkeyZ = "3kabcdefghij6"
	)
	author := &types.Profile{DID: didAlice, Handle: "alice.bsky.social"}
	engine := &countingEngine{}
	d := dispatch.New(oneDestinationRegistry{did: didAlice}, nil, engine, nil)

	ctx := context.Background()
	for _, p := range []types.PostRecord{post(didAlice, rkeyX, 1), post(didAlice, rkeyY, 2)} {
		require.NoError(t, d.HandleCommit(ctx, types.CommitEvent{
			DID:        didAlice,
			Operation:  types.OperationCreate,
			Collection: types.PostCollection,
			RKey:       p.RKey,
			Record:     &p,
		}))
	}
	require.Len(t, engine.urls, 2)

	feeds := &mockFeeds{feeds: map[string]*external.AuthorFeed{
		didAlice: {Author: author, Posts: newestFirst(
			post(didAlice, rkeyX, 1),
			post(didAlice, rkeyY, 2),
			post(didAlice, rkeyZ, 3),
		)},
	}}
	cp := newMockCheckpoints()
	cp.points[didAlice] = base

	_, err := newTestPoller(feeds, cp, staticWatchList{dids: []string{didAlice}}, d).Poll(ctx)
	require.NoError(t, err)

	require.Len(t, engine.urls, 3, "only the post the stream missed is delivered by the poll")
	assert.Contains(t, engine.urls[2], "/post/"+rkeyZ)
	assert.Equal(t, base.Add(3*time.Minute), cp.points[didAlice])
}
