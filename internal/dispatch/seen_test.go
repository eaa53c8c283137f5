package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenMarkers_Mark(t *testing.T) {
	s := NewSeenMarkers()

	require.True(t, s.Mark("did:plc:a", "r1"), "first mark should be new")
	assert.False(t, s.Mark("did:plc:a", "r1"), "repeat of latest rkey should be a duplicate")
	assert.True(t, s.Mark("did:plc:a", "r2"))
	assert.True(t, s.Mark("did:plc:b", "r2"), "markers are per DID")

	got, ok := s.Last("did:plc:a")
	require.True(t, ok)
	assert.Equal(t, "r2", got)
}

func TestSeenMarkers_MarkOrdersTIDs(t *testing.T) {
	const (
		older = "3kabcdefghij2"
		newer = "3kabcdefghij7"
	)
	s := NewSeenMarkers()

	require.True(t, s.Mark("did:plc:a", newer))
	assert.False(t, s.Mark("did:plc:a", older), "a TID before the marker was already passed")
	assert.False(t, s.Mark("did:plc:a", newer))

	last, _ := s.Last("did:plc:a")
	assert.Equal(t, newer, last, "an older TID must not move the marker back")

	assert.True(t, s.Mark("did:plc:a", "3kabcdefghija"))
}

func TestSeenMarkers_MarkNonTIDFallsBackToEquality(t *testing.T) {
	s := NewSeenMarkers()

	require.True(t, s.Mark("did:plc:a", "zzz"))
	assert.True(t, s.Mark("did:plc:a", "aaa"))
	assert.False(t, s.Mark("did:plc:a", "aaa"))
}

func TestSeenMarkers_Retain(t *testing.T) {
	s := NewSeenMarkers()
	s.Mark("did:plc:a", "r1")
	s.Mark("did:plc:b", "r1")
	s.Mark("did:plc:c", "r1")

	assert.Equal(t, 2, s.Retain([]string{"did:plc:b"}))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Retain(nil))
}

func TestSeenMarkers_ConcurrentMarkAcceptsOnce(t *testing.T) {
	s := NewSeenMarkers()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Mark("did:plc:a", "r1") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
}
