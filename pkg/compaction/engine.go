package compaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"heatvault/pkg/gateway"
	"heatvault/pkg/snapshot"
)

// progressInterval throttles status broadcasts during a backlog sweep.
const progressInterval = 500 * time.Millisecond

// Engine sweeps the store oldest-to-newest, replacing clusters of raw
// records older than each stage's threshold with one averaged record per
// bucket. Only one sweep runs at a time; a start while running is a no-op.
// Cancellation is cooperative: the stop flag is checked once per bucket,
// so an in-progress bucket always completes.
type Engine struct {
	gw  *gateway.Gateway
	log *zap.Logger

	// now is injectable for tests.
	now func() int64

	mu           sync.Mutex
	cfg          Config
	status       Status
	running      bool
	notify       func(Status, Config)
	lastProgress time.Time

	stop atomic.Bool
}

// New creates an engine with the given retention configuration.
// The config must already be validated.
func New(gw *gateway.Gateway, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		gw:     gw,
		log:    log.Named("compaction"),
		now:    func() int64 { return time.Now().Unix() },
		cfg:    cfg,
		status: Status{Phase: phaseIdle},
	}
}

// SetNotify registers the observer callback for status broadcasts.
// Must be called before the first sweep.
func (e *Engine) SetNotify(fn func(Status, Config)) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// Config returns the active retention configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.Stages = append([]Stage(nil), e.cfg.Stages...)
	return cfg
}

// SetConfig replaces the retention configuration. An invalid config is
// rejected and the active configuration stays in force.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Status returns a copy of the current sweep status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start begins a sweep in the background. It reports false, without side
// effects, when a sweep is already running.
func (e *Engine) Start(ctx context.Context) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	e.running = true
	e.stop.Store(false)
	e.status = Status{
		Running:   true,
		Phase:     "start",
		StartedAt: time.Now(),
	}
	cfg := e.cfg
	e.mu.Unlock()

	e.broadcast()

	go func() {
		err := e.runStages(ctx, cfg.Stages)

		e.mu.Lock()
		e.running = false
		e.status.Running = false
		e.status.Phase = phaseIdle
		e.status.FinishedAt = time.Now()
		if err != nil {
			e.status.Error = err.Error()
		}
		st := e.status
		e.mu.Unlock()

		if err != nil {
			e.log.Error("sweep aborted", zap.Error(err))
		} else {
			e.log.Info("sweep finished",
				zap.Int("written", st.Stats.Written),
				zap.Int("deleted", st.Stats.Deleted))
		}
		e.broadcast()
	}()
	return true
}

// Stop requests cooperative cancellation of the running sweep.
func (e *Engine) Stop() {
	e.stop.Store(true)
}

// runStages executes one sweep over the given stages. Stages are
// processed coarsest first (largest age threshold and interval), with a
// cursor that only ever moves forward so a finer stage never re-visits a
// key a coarser one already produced.
func (e *Engine) runStages(ctx context.Context, stages []Stage) error {
	oldest, ok, err := e.gw.OldestKey(ctx)
	if err != nil {
		return fmt.Errorf("find oldest key: %w", err)
	}
	if !ok {
		return nil
	}

	nowSec := e.now()
	var cursor int64

	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		interval := st.IntervalSecs
		limit := nowSec - st.OlderThanSecs

		e.setPhase(st.Phase())

		key := interval * (oldest / interval)
		if key < cursor {
			key = alignUp(cursor, interval)
		}
		if key < interval {
			// Key space starts at 1; a center at or below zero is never processed.
			key = interval
		}

		processed := false
		for ; key < limit; key += interval {
			if e.stop.Load() {
				e.log.Info("sweep stopped", zap.Int64("progress_key", key))
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			e.setProgress(key)
			changed, err := e.compactBucket(ctx, key, interval)
			if err != nil {
				return fmt.Errorf("bucket %d: %w", key, err)
			}
			if changed {
				e.broadcastThrottled()
			}
			processed = true
		}
		// A stage whose window held no buckets must not push the cursor
		// forward, or it would lock finer stages out of the region it
		// never actually swept.
		if processed {
			cursor = key
		}
	}
	return nil
}

// compactBucket collapses the records in [center-I/2, center+I/2] into a
// single averaged record at the bucket center. Windows holding fewer than
// two records are left untouched. The upsert always completes before the
// surrounding originals are deleted, so a crash mid-bucket can duplicate
// data but never lose it.
func (e *Engine) compactBucket(ctx context.Context, center, interval int64) (bool, error) {
	half := interval / 2
	low := center - half
	if low < 1 {
		low = 1
	}
	window, err := e.gw.Range(ctx, low, center+half)
	if err != nil {
		return false, err
	}
	if len(window) < 2 {
		return false, nil
	}

	agg := snapshot.Aggregate(window)
	agg.Time = center
	if err := e.gw.Upsert(ctx, agg); err != nil {
		return false, err
	}

	// Two separate range deletes so the just-written center key is never
	// touched. Empty ranges are no-ops.
	before, err := e.gw.DeleteRange(ctx, low, center-1)
	if err != nil {
		return false, err
	}
	after, err := e.gw.DeleteRange(ctx, center+1, center+half)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.status.Stats.Written++
	e.status.Stats.Deleted += before + after
	e.mu.Unlock()
	return true, nil
}

func (e *Engine) setPhase(phase string) {
	e.mu.Lock()
	e.status.Phase = phase
	e.mu.Unlock()
}

func (e *Engine) setProgress(key int64) {
	e.mu.Lock()
	e.status.ProgressKey = key
	e.mu.Unlock()
}

func (e *Engine) broadcast() {
	e.mu.Lock()
	fn := e.notify
	st := e.status
	cfg := e.cfg
	e.mu.Unlock()
	if fn != nil {
		fn(st, cfg)
	}
}

func (e *Engine) broadcastThrottled() {
	e.mu.Lock()
	if time.Since(e.lastProgress) < progressInterval {
		e.mu.Unlock()
		return
	}
	e.lastProgress = time.Now()
	e.mu.Unlock()
	e.broadcast()
}

func alignUp(v, interval int64) int64 {
	aligned := interval * (v / interval)
	if aligned < v {
		aligned += interval
	}
	return aligned
}
