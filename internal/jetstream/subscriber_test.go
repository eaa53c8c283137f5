package jetstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/config"
	"skyhook/internal/types"
)

const (
	didA = "did:plc:aaaaaaaaaaaaaaaa"
	didB = "did:plc:bbbbbbbbbbbbbbbb"
)

func postCreate(did, rkey string, timeUS int64) []byte {
	return []byte(`{"did":"` + did + `","time_us":` + itoa(timeUS) + `,"kind":"commit","commit":{"rev":"r1","operation":"create","collection":"app.bsky.feed.post","rkey":"` + rkey + `","record":{"$type":"app.bsky.feed.post","text":"hello","createdAt":"2024-05-01T12:00:00.000Z"},"cid":"bafyrec"}}`)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// fakeJetstream upgrades every request, writes frames, and forwards client
// messages to inbound until the connection drops.
type fakeJetstream struct {
	server  *httptest.Server
	queries chan url.Values
	inbound chan []byte
	dials   atomic.Int32
}

func newFakeJetstream(t *testing.T, msgType int, frames ...[]byte) *fakeJetstream {
	t.Helper()
	f := &fakeJetstream{
		queries: make(chan url.Values, 8),
		inbound: make(chan []byte, 8),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		f.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(msgType, frame); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.inbound <- data
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJetstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/subscribe"
}

func newTestSubscriber(t *testing.T, rawURL string, compress bool, h Handler) *Subscriber {
	t.Helper()
	s, err := NewSubscriber(&config.JetstreamConfig{
		URL:               rawURL,
		Compress:          compress,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
		Rewind:            2 * time.Second,
	}, h, types.NopLogger{})
	require.NoError(t, err)
	return s
}

func collect() (Handler, chan types.CommitEvent) {
	ch := make(chan types.CommitEvent, 8)
	return HandlerFunc(func(_ context.Context, ev types.CommitEvent) error {
		ch <- ev
		return nil
	}), ch
}

func runSubscriber(t *testing.T, s *Subscriber) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func TestParseEvent_CommitCreate(t *testing.T) {
	ev, err := ParseEvent(postCreate(didA, "3kabc", 1700000000000000))
	require.NoError(t, err)

	commit, err := ev.CommitEvent()
	require.NoError(t, err)
	assert.Equal(t, didA, commit.DID)
	assert.Equal(t, types.OperationCreate, commit.Operation)
	assert.Equal(t, "3kabc", commit.RKey)
	assert.Equal(t, int64(1700000000000000), commit.TimeUS)
	require.NotNil(t, commit.Record)
	assert.Equal(t, "hello", commit.Record.Text)
	assert.Equal(t, didA, commit.Record.AuthorDID)
}

func TestCommitEvent_DeleteHasNoRecord(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"did":"` + didA + `","time_us":5,"kind":"commit","commit":{"operation":"delete","collection":"app.bsky.feed.post","rkey":"3kabc"}}`))
	require.NoError(t, err)

	commit, err := ev.CommitEvent()
	require.NoError(t, err)
	assert.Equal(t, types.OperationDelete, commit.Operation)
	assert.Nil(t, commit.Record)
}

func TestCommitEvent_NotACommit(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"did":"` + didA + `","time_us":5,"kind":"identity"}`))
	require.NoError(t, err)

	_, err = ev.CommitEvent()
	assert.Error(t, err)
}

func TestCommitEvent_BadRecord(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"did":"` + didA + `","time_us":5,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3k","record":{"text":12}}}`))
	require.NoError(t, err)

	_, err = ev.CommitEvent()
	assert.Error(t, err)
}

func TestParseEvent_Garbage(t *testing.T) {
	_, err := ParseEvent([]byte("{not json"))
	assert.Error(t, err)
}

func TestEncodeOptionsUpdate(t *testing.T) {
	payload, err := encodeOptionsUpdate([]string{didA, didB})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"options_update","payload":{"wantedCollections":["app.bsky.feed.post"],"wantedDids":["`+didA+`","`+didB+`"]}}`, string(payload))
}

func TestBuildURL(t *testing.T) {
	h, _ := collect()
	s := newTestSubscriber(t, "wss://jetstream.example/subscribe", false, h)

	raw, err := s.buildURL([]string{didA, didB}, 0)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, []string{types.PostCollection}, q["wantedCollections"])
	assert.Equal(t, []string{didA, didB}, q["wantedDids"])
	assert.Empty(t, q.Get("cursor"))
	assert.Empty(t, q.Get("compress"))

	s = newTestSubscriber(t, "wss://jetstream.example/subscribe", true, h)
	raw, err = s.buildURL([]string{didA}, 42)
	require.NoError(t, err)
	u, _ = url.Parse(raw)
	assert.Equal(t, "42", u.Query().Get("cursor"))
	assert.Equal(t, "true", u.Query().Get("compress"))
}

func TestBackoff(t *testing.T) {
	h, _ := collect()
	s := newTestSubscriber(t, "wss://jetstream.example/subscribe", false, h)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{10, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestResumeCursor(t *testing.T) {
	h, _ := collect()
	s := newTestSubscriber(t, "wss://jetstream.example/subscribe", false, h)

	assert.Equal(t, int64(0), s.resumeCursor())

	s.cursor.Store(10_000_000)
	assert.Equal(t, int64(8_000_000), s.resumeCursor())

	s.cursor.Store(5)
	assert.Equal(t, int64(1), s.resumeCursor())
}

func TestUpdateWantedDIDs_NormalisesSet(t *testing.T) {
	h, _ := collect()
	s := newTestSubscriber(t, "wss://jetstream.example/subscribe", false, h)

	require.NoError(t, s.UpdateWantedDIDs([]string{didB, didA, didB}))
	assert.Equal(t, []string{didA, didB}, s.WantedDIDs())
}

func TestStart_DeliversCommitsAndTracksCursor(t *testing.T) {
	fake := newFakeJetstream(t, websocket.TextMessage,
		[]byte(`{"did":"`+didA+`","time_us":100,"kind":"identity"}`),
		postCreate(didA, "3kone", 200),
	)
	h, events := collect()
	s := newTestSubscriber(t, fake.wsURL(), false, h)
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	cancel, errc := runSubscriber(t, s)

	q := receive(t, fake.queries)
	assert.Equal(t, []string{didA}, q["wantedDids"])
	assert.Equal(t, types.PostCollection, q.Get("wantedCollections"))

	ev := receive(t, events)
	assert.Equal(t, "3kone", ev.RKey)
	assert.Eventually(t, func() bool { return s.Cursor() == 200 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, receive(t, errc), context.Canceled)
}

func TestStart_HandlerErrorDoesNotStopStream(t *testing.T) {
	fake := newFakeJetstream(t, websocket.TextMessage,
		postCreate(didA, "3kone", 200),
		postCreate(didA, "3ktwo", 300),
	)
	var calls atomic.Int32
	s := newTestSubscriber(t, fake.wsURL(), false, HandlerFunc(func(context.Context, types.CommitEvent) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	runSubscriber(t, s)

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), fake.dials.Load())
}

func TestStart_IdleUntilDIDsWatched(t *testing.T) {
	fake := newFakeJetstream(t, websocket.TextMessage)
	h, _ := collect()
	s := newTestSubscriber(t, fake.wsURL(), false, h)

	runSubscriber(t, s)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fake.dials.Load())

	require.NoError(t, s.UpdateWantedDIDs([]string{didB}))
	q := receive(t, fake.queries)
	assert.Equal(t, []string{didB}, q["wantedDids"])
}

func TestUpdateWantedDIDs_SendsOptionsUpdateOnLiveConnection(t *testing.T) {
	fake := newFakeJetstream(t, websocket.TextMessage)
	h, _ := collect()
	s := newTestSubscriber(t, fake.wsURL(), false, h)
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	runSubscriber(t, s)
	receive(t, fake.queries)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.UpdateWantedDIDs([]string{didA, didB}))

	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			WantedDIDs []string `json:"wantedDids"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(receive(t, fake.inbound), &msg))
	assert.Equal(t, "options_update", msg.Type)
	assert.Equal(t, []string{didA, didB}, msg.Payload.WantedDIDs)
	assert.Equal(t, int32(1), fake.dials.Load())
}

func TestUpdateWantedDIDs_EmptySetDisconnects(t *testing.T) {
	fake := newFakeJetstream(t, websocket.TextMessage)
	h, _ := collect()
	s := newTestSubscriber(t, fake.wsURL(), false, h)
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	runSubscriber(t, s)
	receive(t, fake.queries)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.UpdateWantedDIDs(nil))

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn == nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fake.dials.Load())
}

func TestStart_ReconnectsWithRewoundCursor(t *testing.T) {
	var dials atomic.Int32
	queries := make(chan url.Values, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, postCreate(didA, "3kone", 10_000_000))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	h, events := collect()
	s := newTestSubscriber(t, "ws"+strings.TrimPrefix(server.URL, "http"), false, h)
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	runSubscriber(t, s)

	first := receive(t, queries)
	assert.Empty(t, first.Get("cursor"))
	receive(t, events)

	second := receive(t, queries)
	assert.Equal(t, "8000000", second.Get("cursor"))
}

func TestStart_DecodesCompressedFrames(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	frame := enc.EncodeAll(postCreate(didA, "3kzip", 300), nil)
	require.NoError(t, enc.Close())

	fake := newFakeJetstream(t, websocket.BinaryMessage, frame)
	h, events := collect()
	s := newTestSubscriber(t, fake.wsURL(), true, h)
	require.NoError(t, s.UpdateWantedDIDs([]string{didA}))

	runSubscriber(t, s)

	q := receive(t, fake.queries)
	assert.Equal(t, "true", q.Get("compress"))
	ev := receive(t, events)
	assert.Equal(t, "3kzip", ev.RKey)
}

func TestNewSubscriber_MissingDictionary(t *testing.T) {
	h, _ := collect()
	_, err := NewSubscriber(&config.JetstreamConfig{
		URL:          "wss://jetstream.example/subscribe",
		Compress:     true,
		ZstdDictPath: t.TempDir() + "/missing.dict",
	}, h, nil)
	assert.Error(t, err)
}
