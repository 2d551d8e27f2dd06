// Package backfill repairs snapshots whose external-reference temperature
// was never correctly recorded. It scans the store for dirty records,
// requests a reference series over the live channel, and interpolates the
// fetched values back onto the defective records.
package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heatvault/pkg/gateway"
	"heatvault/pkg/snapshot"
)

// Sender is the outbound half of the data channel used by the reconciler.
// Implemented by the live feed.
type Sender interface {
	SendSeriesRequest(start, end int64, requestID string) error
	SendWindowNotice(windowSecs int64) error
}

// Result is a decoded reference-series response from the data channel.
type Result struct {
	RequestID string
	OK        bool
	Samples   []Sample
	Err       string
}

// Config holds the reconciler's tunables. Zero values fall back to the
// corresponding default at construction.
type Config struct {
	// SpanSecs is the fixed length of one fetch window.
	SpanSecs int64
	// CadenceSecs is the reference source's native sampling cadence.
	CadenceSecs int64
	// LatencySecs is how long after a cadence boundary the source
	// publishes the sample for that boundary.
	LatencySecs int64
	// MaxAttempts failed attempts for one window start suppress that
	// window for Cooldown before it may be retried.
	MaxAttempts int
	Cooldown    time.Duration
	// RequestTimeout bounds one in-flight request.
	RequestTimeout time.Duration

	// Adaptive upstream fetch-window sizing.
	WindowMinSecs  int64
	WindowMaxSecs  int64
	WindowStepSecs int64
	NoticeThrottle time.Duration
}

// DefaultConfig returns the reconciler defaults.
func DefaultConfig() Config {
	return Config{
		SpanSecs:       36 * 3600,
		CadenceSecs:    600,
		LatencySecs:    180,
		MaxAttempts:    5,
		Cooldown:       6 * time.Hour,
		RequestTimeout: 30 * time.Second,
		WindowMinSecs:  300,
		WindowMaxSecs:  21600,
		WindowStepSecs: 300,
		NoticeThrottle: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SpanSecs <= 0 {
		c.SpanSecs = d.SpanSecs
	}
	if c.CadenceSecs <= 0 {
		c.CadenceSecs = d.CadenceSecs
	}
	if c.LatencySecs < 0 {
		c.LatencySecs = d.LatencySecs
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WindowMinSecs <= 0 {
		c.WindowMinSecs = d.WindowMinSecs
	}
	if c.WindowMaxSecs <= 0 {
		c.WindowMaxSecs = d.WindowMaxSecs
	}
	if c.WindowStepSecs <= 0 {
		c.WindowStepSecs = d.WindowStepSecs
	}
	if c.NoticeThrottle <= 0 {
		c.NoticeThrottle = d.NoticeThrottle
	}
	return c
}

// request is one fetch window awaiting send or response.
type request struct {
	id          string
	start, end  int64
	windowStart int64
}

// windowState accounts failures per window start.
type windowState struct {
	attempts        int
	suppressedUntil int64
}

// Status is a point-in-time view of the reconciler for observers.
type Status struct {
	InFlight   bool   `json:"in_flight"`
	Queued     bool   `json:"queued"`
	WindowSecs int64  `json:"window_secs"`
	Suppressed int    `json:"suppressed_windows"`
	LastError  string `json:"last_error,omitempty"`
}

// Reconciler finds dirty snapshots and repairs them from reference-series
// responses. At most one request is in flight at a time; subsequent dirty
// windows queue behind it.
type Reconciler struct {
	gw   *gateway.Gateway
	send Sender
	log  *zap.Logger
	cfg  Config
	now  func() int64

	mu         sync.Mutex
	queued     *request
	inflight   *request
	deadline   int64
	timer      *time.Timer
	windows    map[int64]*windowState
	windowSecs int64
	lastNotice int64
	lastError  string
}

// New builds a reconciler writing through gw and requesting over send.
func New(gw *gateway.Gateway, send Sender, log *zap.Logger, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		gw:         gw,
		send:       send,
		log:        log.Named("backfill"),
		cfg:        cfg,
		now:        func() int64 { return time.Now().Unix() },
		windows:    make(map[int64]*windowState),
		windowSecs: cfg.CadenceSecs,
	}
}

// Status reports the reconciler's current state.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	suppressed := 0
	now := r.now()
	for _, ws := range r.windows {
		if ws.suppressedUntil > now {
			suppressed++
		}
	}
	return Status{
		InFlight:   r.inflight != nil,
		Queued:     r.queued != nil,
		WindowSecs: r.windowSecs,
		Suppressed: suppressed,
		LastError:  r.lastError,
	}
}

// Tick advances the reconciler: expires a timed-out request, finds the
// next dirty window when idle, and sends the queued request if any. Called
// periodically by the coordinator and once shortly after store-open.
func (r *Reconciler) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.inflight != nil {
		if now < r.deadline {
			return
		}
		r.expireLocked(now)
	}

	if r.queued == nil {
		rec, err := r.findDirtyLocked(ctx)
		if err != nil {
			r.log.Warn("dirty scan failed", zap.Error(err))
			return
		}
		if rec == nil {
			return
		}
		start, end := r.fetchWindow(rec.Time)
		r.queued = &request{
			id:          uuid.NewString(),
			start:       start,
			end:         end,
			windowStart: start,
		}
	}

	r.sendQueuedLocked()
}

// sendQueuedLocked sends the queued request if any, arming the request
// timeout. A send failure keeps the request queued for the next attempt.
func (r *Reconciler) sendQueuedLocked() {
	req := r.queued
	if req == nil {
		return
	}
	if err := r.send.SendSeriesRequest(req.start, req.end, req.id); err != nil {
		r.log.Info("series request not sent, will retry",
			zap.String("request_id", req.id), zap.Error(err))
		return
	}
	r.queued = nil
	r.inflight = req
	r.deadline = r.now() + int64(r.cfg.RequestTimeout/time.Second)
	id := req.id
	r.timer = time.AfterFunc(r.cfg.RequestTimeout, func() { r.onTimeout(id) })
	r.log.Info("series request sent",
		zap.String("request_id", req.id),
		zap.Int64("start", req.start), zap.Int64("end", req.end))
}

// onTimeout fires when a sent request has gone unanswered for the full
// timeout. It retires the request as a failed attempt and immediately
// retries, so attempt accounting runs on the timeout cadence rather than
// the coordinator's tick interval.
func (r *Reconciler) onTimeout(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil || r.inflight.id != id {
		return
	}
	r.expireLocked(r.now())
	r.sendQueuedLocked()
}

// expireLocked retires the in-flight request as a timed-out attempt,
// requeueing it at the front unless its window got suppressed.
func (r *Reconciler) expireLocked(now int64) {
	req := r.inflight
	r.inflight = nil
	r.stopTimerLocked()
	r.log.Warn("request timed out",
		zap.String("request_id", req.id),
		zap.Int64("start", req.start))
	r.failLocked(req, "timeout")
	if !r.suppressedLocked(req.windowStart, now) && r.queued == nil {
		r.queued = req
	}
}

func (r *Reconciler) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// HandleSeries consumes a reference-series response routed in by the feed.
// Responses are matched by request id; a response without an echoed id is
// accepted for the current in-flight request.
func (r *Reconciler) HandleSeries(ctx context.Context, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight == nil {
		r.log.Debug("series response with no request in flight",
			zap.String("request_id", res.RequestID))
		return
	}
	if res.RequestID != "" && res.RequestID != r.inflight.id {
		r.log.Debug("stale series response dropped",
			zap.String("request_id", res.RequestID))
		return
	}
	req := r.inflight
	r.inflight = nil
	r.stopTimerLocked()

	if !res.OK || len(res.Samples) == 0 {
		r.log.Info("series request failed upstream",
			zap.String("request_id", req.id), zap.String("error", res.Err))
		r.failLocked(req, res.Err)
		return
	}

	repaired, err := r.applyLocked(ctx, req, NewSeries(res.Samples))
	if err != nil {
		r.log.Warn("applying series failed", zap.Error(err))
		r.failLocked(req, err.Error())
		return
	}
	if repaired == 0 {
		r.failLocked(req, "no records improved")
		return
	}
	delete(r.windows, req.windowStart)
	r.lastError = ""
	r.log.Info("reconciled dirty records",
		zap.Int("repaired", repaired),
		zap.Int64("window_start", req.windowStart))
	r.retuneWindowLocked(ctx)
}

// applyLocked interpolates series values onto every dirty record inside
// the request window. Each repaired record gets the estimate and the
// transient-field removal in a single upsert.
func (r *Reconciler) applyLocked(ctx context.Context, req *request, series Series) (int, error) {
	recs, err := r.gw.Range(ctx, req.start, req.end)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, rec := range recs {
		reasons := snapshot.DirtyReasons(rec)
		if len(reasons) == 0 {
			continue
		}
		upd := rec.Clone()
		for _, reason := range reasons {
			if reason == snapshot.ReasonOutsideMissing || reason == snapshot.ReasonOutsideSentinel {
				est, ok := series.EstimateAt(rec.Time)
				if !ok {
					upd = nil
				} else {
					upd.Outside = snapshot.F(est)
				}
				break
			}
		}
		if upd == nil {
			continue
		}
		snapshot.StripTransient(upd)
		if err := r.gw.Upsert(ctx, upd); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// failLocked records one failed attempt for the request's window start and
// suppresses the window once the attempt cap is reached.
func (r *Reconciler) failLocked(req *request, reason string) {
	r.lastError = reason
	ws := r.windows[req.windowStart]
	if ws == nil {
		ws = &windowState{}
		r.windows[req.windowStart] = ws
	}
	ws.attempts++
	if ws.attempts >= r.cfg.MaxAttempts {
		ws.attempts = 0
		ws.suppressedUntil = r.now() + int64(r.cfg.Cooldown/time.Second)
		r.log.Info("window suppressed after repeated failures",
			zap.Int64("window_start", req.windowStart),
			zap.Int64("until", ws.suppressedUntil))
	}
}

func (r *Reconciler) suppressedLocked(windowStart, now int64) bool {
	ws := r.windows[windowStart]
	return ws != nil && ws.suppressedUntil > now
}

// findDirtyLocked scans forward from the oldest key for the first dirty
// record whose fetch window is not suppressed. The scan walks the store in
// span-sized chunks so a large history never loads at once.
func (r *Reconciler) findDirtyLocked(ctx context.Context) (*snapshot.Snapshot, error) {
	oldest, ok, err := r.gw.OldestKey(ctx)
	if err != nil || !ok {
		return nil, err
	}
	newest, ok, err := r.gw.NewestKey(ctx)
	if err != nil || !ok {
		return nil, err
	}
	now := r.now()
	for lo := oldest; lo <= newest; lo += r.cfg.SpanSecs {
		hi := lo + r.cfg.SpanSecs - 1
		if hi > newest {
			hi = newest
		}
		recs, err := r.gw.Range(ctx, lo, hi)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if !snapshot.IsDirty(rec) {
				continue
			}
			start, _ := r.fetchWindow(rec.Time)
			if r.suppressedLocked(start, now) {
				continue
			}
			return rec, nil
		}
	}
	return nil, nil
}

// fetchWindow computes the fixed-span fetch window for a record: the
// record's time snapped down to the source cadence, shifted back by the
// source's publication latency.
func (r *Reconciler) fetchWindow(t int64) (start, end int64) {
	start = t - t%r.cfg.CadenceSecs - r.cfg.LatencySecs
	if start < 1 {
		start = 1
	}
	return start, start + r.cfg.SpanSecs
}

// retuneWindowLocked recomputes the upstream live-feed lookback from the
// oldest remaining dirty gap, clamps it to the source's limits, and pushes
// a window notice upstream only on meaningful, unthrottled change.
func (r *Reconciler) retuneWindowLocked(ctx context.Context) {
	now := r.now()
	desired := r.cfg.WindowMinSecs
	if rec, err := r.findDirtyLocked(ctx); err == nil && rec != nil {
		desired = now - rec.Time
	}
	if desired < r.cfg.WindowMinSecs {
		desired = r.cfg.WindowMinSecs
	}
	if desired > r.cfg.WindowMaxSecs {
		desired = r.cfg.WindowMaxSecs
	}
	delta := desired - r.windowSecs
	if delta < 0 {
		delta = -delta
	}
	if delta < r.cfg.WindowStepSecs {
		return
	}
	r.windowSecs = desired
	if now-r.lastNotice < int64(r.cfg.NoticeThrottle/time.Second) {
		return
	}
	if err := r.send.SendWindowNotice(desired); err != nil {
		r.log.Debug("window notice not sent", zap.Error(err))
		return
	}
	r.lastNotice = now
	r.log.Info("upstream fetch window retuned", zap.Int64("window_secs", desired))
}
