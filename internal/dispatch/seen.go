package dispatch

import (
	"strings"
	"sync"
)

// tidAlphabet is the sortable base32 alphabet of record keys minted as TIDs.
const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// SeenMarkers remembers the last rkey processed per DID. Jetstream can
// replay events after a reconnect and the feed poller revisits posts the
// stream already handled. Post rkeys are TIDs, which sort in creation order,
// so any TID at or below the marker counts as seen. Other rkeys only match
// on equality. Markers live in memory only.
type SeenMarkers struct {
	mu   sync.Mutex
	last map[string]string
}

func NewSeenMarkers() *SeenMarkers {
	return &SeenMarkers{last: make(map[string]string)}
}

// Mark records rkey as the latest for did. It returns false when the post
// was handled before: rkey equals the marker, or both are TIDs and rkey does
// not sort after it.
func (s *SeenMarkers) Mark(did, rkey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[did]; ok && !after(rkey, prev) {
		return false
	}
	s.last[did] = rkey
	return true
}

func after(rkey, prev string) bool {
	if rkey == prev {
		return false
	}
	if isTID(rkey) && isTID(prev) {
		return rkey > prev
	}
	return true
}

func isTID(rkey string) bool {
	if len(rkey) != 13 {
		return false
	}
	for _, c := range rkey {
		if !strings.ContainsRune(tidAlphabet, c) {
			return false
		}
	}
	return true
}

// Last returns the latest rkey recorded for did.
func (s *SeenMarkers) Last(did string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rkey, ok := s.last[did]
	return rkey, ok
}

// Retain drops markers for DIDs outside watched and returns how many were
// dropped.
func (s *SeenMarkers) Retain(watched []string) int {
	keep := make(map[string]struct{}, len(watched))
	for _, did := range watched {
		keep[did] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for did := range s.last {
		if _, ok := keep[did]; !ok {
			delete(s.last, did)
			pruned++
		}
	}
	return pruned
}

func (s *SeenMarkers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
