// Package jetstream subscribes to the Bluesky Jetstream firehose, filtered to
// post commits from the DIDs that currently have registered webhooks.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"skyhook/internal/config"
	"skyhook/internal/types"
)

const (
	statsInterval = 30 * time.Second
	writeTimeout  = 10 * time.Second
)

// errIdle ends a connection because the watch set became empty. An empty
// wantedDids filter means the whole network, so the subscriber disconnects
// instead.
var errIdle = errors.New("watch set empty")

// Handler receives decoded commit events, one at a time, in stream order.
type Handler interface {
	HandleCommit(ctx context.Context, ev types.CommitEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev types.CommitEvent) error

func (f HandlerFunc) HandleCommit(ctx context.Context, ev types.CommitEvent) error {
	return f(ctx, ev)
}

// Subscriber holds one Jetstream connection at a time and reconnects with
// exponential backoff. The cursor lives in memory only; a reconnect resumes
// slightly before the last event seen.
type Subscriber struct {
	url               string
	handler           Handler
	logger            types.Logger
	dialer            *websocket.Dialer
	decoder           *zstd.Decoder
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	rewind            time.Duration

	cursor atomic.Int64

	mu      sync.Mutex
	wanted  []string
	version uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
	changed chan struct{}
}

// Option customises a Subscriber.
type Option func(*Subscriber)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Subscriber) { s.dialer = d }
}

// NewSubscriber builds a subscriber from config. With compression enabled
// the zstd dictionary is loaded from JETSTREAM_ZSTD_DICT_PATH.
func NewSubscriber(cfg *config.JetstreamConfig, handler Handler, logger types.Logger, opts ...Option) (*Subscriber, error) {
	if cfg == nil {
		return nil, fmt.Errorf("jetstream: config is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("jetstream: handler is nil")
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	s := &Subscriber{
		url:               cfg.URL,
		handler:           handler,
		logger:            logger,
		dialer:            websocket.DefaultDialer,
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		rewind:            cfg.Rewind,
		changed:           make(chan struct{}, 1),
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = 5 * time.Second
	}
	if s.maxReconnectDelay < s.reconnectDelay {
		s.maxReconnectDelay = s.reconnectDelay
	}

	if cfg.Compress {
		var dict []byte
		if cfg.ZstdDictPath != "" {
			b, err := os.ReadFile(cfg.ZstdDictPath)
			if err != nil {
				return nil, fmt.Errorf("jetstream: read zstd dictionary: %w", err)
			}
			dict = b
		}
		dec, err := newDecoder(dict)
		if err != nil {
			return nil, err
		}
		s.decoder = dec
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newDecoder(dict []byte) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: create zstd decoder: %w", err)
	}
	return dec, nil
}

// Cursor returns the time_us of the last event read.
func (s *Subscriber) Cursor() int64 {
	return s.cursor.Load()
}

// WantedDIDs returns a copy of the current filter.
func (s *Subscriber) WantedDIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.wanted)
}

// UpdateWantedDIDs replaces the DID filter. A live connection receives an
// options_update message; an empty set drops the connection until DIDs are
// watched again.
func (s *Subscriber) UpdateWantedDIDs(dids []string) error {
	next := slices.Clone(dids)
	slices.Sort(next)
	next = slices.Compact(next)

	s.mu.Lock()
	if slices.Equal(next, s.wanted) {
		s.mu.Unlock()
		return nil
	}
	s.wanted = next
	s.version++
	conn := s.conn
	s.mu.Unlock()

	s.notify()

	if conn == nil {
		return nil
	}
	if len(next) == 0 {
		s.logger.Info("watch set empty, closing jetstream connection")
		return conn.Close()
	}
	return s.sendOptions(conn, next)
}

func (s *Subscriber) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Subscriber) sendOptions(conn *websocket.Conn, dids []string) error {
	payload, err := encodeOptionsUpdate(dids)
	if err != nil {
		return fmt.Errorf("encode options update: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send options update: %w", err)
	}
	s.logger.Info("jetstream filter updated", "wanted_dids", len(dids))
	return nil
}

// Start connects and processes events until ctx is cancelled. It stays
// disconnected while the watch set is empty.
func (s *Subscriber) Start(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(s.WantedDIDs()) == 0 {
			s.logger.Info("no watched DIDs, jetstream idle")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.changed:
			}
			continue
		}

		connected, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errIdle) {
			attempt = 0
			continue
		}
		if connected {
			attempt = 0
		}

		delay := s.backoff(attempt)
		attempt++
		s.logger.Error("jetstream connection error, reconnecting",
			"error", err,
			"delay", delay.String(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff doubles the reconnect delay per consecutive failed attempt.
func (s *Subscriber) backoff(attempt int) time.Duration {
	d := s.reconnectDelay
	for i := 0; i < attempt && d < s.maxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, s.maxReconnectDelay)
}

// resumeCursor is the cursor to reconnect with, rewound so events in flight
// during the drop are replayed. Zero means live tail.
func (s *Subscriber) resumeCursor() int64 {
	last := s.cursor.Load()
	if last <= 0 {
		return 0
	}
	return max(last-s.rewind.Microseconds(), 1)
}

func (s *Subscriber) buildURL(dids []string, cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse jetstream url: %w", err)
	}
	q := u.Query()
	q.Set("wantedCollections", types.PostCollection)
	for _, did := range dids {
		q.Add("wantedDids", did)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if s.decoder != nil {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// subscribe runs one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (s *Subscriber) subscribe(ctx context.Context) (connected bool, err error) {
	s.mu.Lock()
	dids := slices.Clone(s.wanted)
	version := s.version
	s.mu.Unlock()

	cursor := s.resumeCursor()
	wsURL, err := s.buildURL(dids, cursor)
	if err != nil {
		return false, err
	}

	s.logger.Info("connecting to jetstream",
		"wanted_dids", len(dids),
		"cursor", cursor,
		"compress", s.decoder != nil,
	)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial jetstream: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	stale := s.version != version
	latest := slices.Clone(s.wanted)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	// The filter changed between building the URL and publishing the conn.
	if stale {
		if len(latest) == 0 {
			return true, errIdle
		}
		if err := s.sendOptions(conn, latest); err != nil {
			return true, err
		}
	}

	s.logger.Info("connected to jetstream")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	err = s.readLoop(ctx, conn)
	if len(s.WantedDIDs()) == 0 {
		return true, errIdle
	}
	return true, err
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	var events, commits, failed int64
	lastStats := time.Now()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		if s.decoder != nil && msgType == websocket.BinaryMessage {
			data, err = s.decoder.DecodeAll(data, nil)
			if err != nil {
				s.logger.Error("failed to decompress jetstream frame", "error", err)
				continue
			}
		}

		ev, err := ParseEvent(data)
		if err != nil {
			s.logger.Error("failed to parse jetstream event", "error", err)
			continue
		}
		events++

		if ev.Kind == KindCommit && ev.Commit != nil {
			commits++
			if err := s.dispatch(ctx, ev); err != nil {
				failed++
				s.logger.Error("failed to handle commit",
					"did", ev.DID,
					"error", err,
				)
			}
		}

		if ev.TimeUS > 0 {
			s.cursor.Store(ev.TimeUS)
		}

		if time.Since(lastStats) >= statsInterval {
			s.logger.Info("jetstream stats",
				"events_received", events,
				"commits_received", commits,
				"commits_failed", failed,
				"cursor", s.cursor.Load(),
			)
			lastStats = time.Now()
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, ev *Event) error {
	commit, err := ev.CommitEvent()
	if err != nil {
		return err
	}
	return s.handler.HandleCommit(ctx, commit)
}
