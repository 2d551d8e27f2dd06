// Package feed maintains the live connection to the heating controller,
// persists inbound snapshots through the store gateway, and fans coalesced
// snapshots out to subscribers. Reference-series traffic rides the same
// connection and is routed to the backfill reconciler.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"heatvault/pkg/backfill"
	"heatvault/pkg/gateway"
	"heatvault/pkg/snapshot"
)

// ErrNotConnected is returned by outbound sends while the channel is down.
var ErrNotConnected = errors.New("feed: not connected")

// State is the connection state visible to subscribers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
)

// reconnectDelays is the backoff ladder between connection attempts. It is
// capped at the last step and reset on every successful open.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	5 * time.Second,
	5 * time.Second,
}

// coalesceInterval bounds snapshot fan-out to one broadcast per window;
// only the most recent staged snapshot is delivered.
const coalesceInterval = 100 * time.Millisecond

// Subscriber receives connection-state changes and coalesced snapshots.
// A panic during delivery drops the offending subscriber and never aborts
// the broadcast.
type Subscriber interface {
	OnConnectionState(state State)
	OnSnapshot(rec *snapshot.Snapshot)
}

// SeriesHandler consumes reference-series responses. Implemented by the
// backfill reconciler.
type SeriesHandler interface {
	HandleSeries(ctx context.Context, res backfill.Result)
}

// seriesMsg is the inbound reference-series wire format.
type seriesMsg struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id"`
	OK        bool         `json:"ok"`
	Samples   [][2]float64 `json:"samples"`
	Error     string       `json:"error"`
}

// seriesRequest is the outbound reference-series request.
type seriesRequest struct {
	Type      string `json:"type"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	RequestID string `json:"request_id"`
}

// windowNotice tells the controller how far back its reference fetches
// should reach.
type windowNotice struct {
	Type       string `json:"type"`
	WindowSecs int64  `json:"window_secs"`
}

// Feed owns the data channel: one dial/read loop with a reconnect ladder,
// snapshot persistence, coalesced fan-out, and the outbound sends used by
// the reconciler.
type Feed struct {
	gw     *gateway.Gateway
	log    *zap.Logger
	dialer Dialer
	url    string

	mu           sync.Mutex
	conn         Conn
	state        State
	subs         []Subscriber
	series       SeriesHandler
	pending      *snapshot.Snapshot
	flushPending bool
	lastHash     uint64
	hashValid    bool
}

// New builds a feed for the given controller URL. SetSeriesHandler must be
// called before Run if series responses are expected.
func New(gw *gateway.Gateway, dialer Dialer, url string, log *zap.Logger) *Feed {
	return &Feed{
		gw:     gw,
		log:    log.Named("feed"),
		dialer: dialer,
		url:    url,
		state:  StateDisconnected,
	}
}

// SetSeriesHandler routes inbound series responses to h.
func (f *Feed) SetSeriesHandler(h SeriesHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series = h
}

// Subscribe registers a fan-out subscriber. The subscriber immediately
// receives the current connection state.
func (f *Feed) Subscribe(sub Subscriber) {
	f.mu.Lock()
	state := f.state
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	f.deliver(sub, func(s Subscriber) { s.OnConnectionState(state) })
}

// State reports the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run dials and reads until ctx is cancelled. Every disconnect, whether a
// failed dial or a post-open drop, waits out a ladder delay before the
// next attempt; a successful open resets the ladder to its first step.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		f.setState(StateConnecting)
		conn, err := f.dialer.Dial(ctx, f.url)
		if err != nil {
			f.setState(StateDisconnected)
			f.log.Info("dial failed", zap.Error(err))
			if !f.waitRetry(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		f.mu.Lock()
		f.conn = conn
		f.hashValid = false
		f.mu.Unlock()
		f.setState(StateOpen)
		f.log.Info("connected", zap.String("url", f.url))

		// Closing the connection is what unblocks ReadMessage on cancel.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		f.readLoop(ctx, conn)
		stop()

		_ = conn.Close()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		f.setState(StateDisconnected)

		if !f.waitRetry(ctx, attempt) {
			return
		}
		attempt++
	}
}

// waitRetry sleeps out the ladder delay for the given attempt, reporting
// false when ctx was cancelled instead.
func (f *Feed) waitRetry(ctx context.Context, attempt int) bool {
	delay := reconnectDelays[min(attempt, len(reconnectDelays)-1)]
	f.log.Info("reconnecting", zap.Duration("retry_in", delay))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (f *Feed) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		f.handleFrame(ctx, data)
	}
}

// handleFrame parses one inbound frame: a series response is routed to
// the reconciler, anything carrying an integer time field is a live
// snapshot. Consecutive byte-identical snapshot frames are dropped before
// persisting.
func (f *Feed) handleFrame(ctx context.Context, data []byte) {
	var probe struct {
		Type string `json:"type"`
		Time *int64 `json:"time"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		f.log.Debug("unparseable frame dropped", zap.Error(err))
		return
	}

	if probe.Type == "series" {
		var msg seriesMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Debug("malformed series response", zap.Error(err))
			return
		}
		f.mu.Lock()
		handler := f.series
		f.mu.Unlock()
		if handler == nil {
			f.log.Debug("series response with no handler registered")
			return
		}
		samples := make([]backfill.Sample, 0, len(msg.Samples))
		for _, p := range msg.Samples {
			samples = append(samples, backfill.Sample{Time: int64(p[0]), Value: p[1]})
		}
		handler.HandleSeries(ctx, backfill.Result{
			RequestID: msg.RequestID,
			OK:        msg.OK,
			Samples:   samples,
			Err:       msg.Error,
		})
		return
	}

	if probe.Time == nil {
		f.log.Debug("frame without time field dropped", zap.String("type", probe.Type))
		return
	}

	sum := xxhash.Sum64(data)
	f.mu.Lock()
	dup := f.hashValid && sum == f.lastHash
	f.lastHash = sum
	f.hashValid = true
	f.mu.Unlock()
	if dup {
		return
	}

	rec, err := snapshot.Decode(data)
	if err != nil {
		f.log.Debug("malformed snapshot dropped", zap.Error(err))
		return
	}
	f.gw.Write(ctx, rec)
	f.stage(rec)
}

// stage holds rec as the latest pending snapshot and arms the coalescing
// timer if it is not already armed.
func (f *Feed) stage(rec *snapshot.Snapshot) {
	f.mu.Lock()
	f.pending = rec
	armed := f.flushPending
	f.flushPending = true
	f.mu.Unlock()
	if armed {
		return
	}
	time.AfterFunc(coalesceInterval, f.flush)
}

func (f *Feed) flush() {
	f.mu.Lock()
	rec := f.pending
	f.pending = nil
	f.flushPending = false
	subs := append([]Subscriber(nil), f.subs...)
	f.mu.Unlock()
	if rec == nil {
		return
	}
	for _, sub := range subs {
		f.deliver(sub, func(s Subscriber) { s.OnSnapshot(rec) })
	}
}

func (f *Feed) setState(state State) {
	f.mu.Lock()
	if f.state == state {
		f.mu.Unlock()
		return
	}
	f.state = state
	subs := append([]Subscriber(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		f.deliver(sub, func(s Subscriber) { s.OnConnectionState(state) })
	}
}

// deliver invokes fn on one subscriber, dropping the subscriber if it
// panics so a broken consumer never takes the broadcast down.
func (f *Feed) deliver(sub Subscriber, fn func(Subscriber)) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Warn("subscriber panicked, dropping it", zap.Any("panic", r))
			f.drop(sub)
		}
	}()
	fn(sub)
}

func (f *Feed) drop(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// SendSeriesRequest asks the controller for a reference series over
// [start, end]. Fails with ErrNotConnected while the channel is down.
func (f *Feed) SendSeriesRequest(start, end int64, requestID string) error {
	return f.writeJSON(seriesRequest{
		Type:      "series_request",
		Start:     start,
		End:       end,
		RequestID: requestID,
	})
}

// SendWindowNotice pushes the adaptive fetch-window size upstream.
func (f *Feed) SendWindowNotice(windowSecs int64) error {
	return f.writeJSON(windowNotice{Type: "window", WindowSecs: windowSecs})
}

func (f *Feed) writeJSON(v any) error {
	f.mu.Lock()
	conn := f.conn
	open := f.state == StateOpen
	f.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(v)
}
