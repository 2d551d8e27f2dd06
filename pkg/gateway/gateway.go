package gateway

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

// ErrNotOpen is returned by read and delete operations before the store
// has opened. Writes never fail with it: they buffer instead.
var ErrNotOpen = errors.New("gateway: store not open")

// Gateway serializes all access to the persistent store. Writes issued
// before the store opens are buffered in arrival order and drained in one
// transaction on open; Ready is closed exactly once when that drain has
// finished. If Open fails the gateway stays in degraded mode: writes are
// accepted and dropped so the live fan-out keeps working, and Ready never
// fires, keeping compaction and backfill dormant.
type Gateway struct {
	store storage.Store
	log   *zap.Logger

	mu       sync.Mutex
	open     bool
	degraded bool
	pending  []*snapshot.Snapshot

	ready chan struct{}
}

// New creates a gateway in the buffering state.
func New(store storage.Store, log *zap.Logger) *Gateway {
	return &Gateway{
		store: store,
		log:   log.Named("gateway"),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the store is open and the pending queue has been
// drained. Subsystems that read from the store wait on it.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Degraded reports whether the store failed to open.
func (g *Gateway) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Write upserts a record, buffering it if the store is not open yet.
// An individual upsert failure is logged and skipped, never fatal.
func (g *Gateway) Write(ctx context.Context, rec *snapshot.Snapshot) {
	g.mu.Lock()
	if !g.open {
		if !g.degraded {
			g.pending = append(g.pending, rec)
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if err := g.store.Put(ctx, rec); err != nil {
		g.log.Warn("upsert failed, record skipped",
			zap.Int64("key", rec.Time), zap.Error(err))
	}
}

// Open marks the store ready, drains the pending queue in FIFO order
// inside one transaction, and signals Ready. Calling Open twice is a
// no-op. A drain failure is logged but still opens the gateway: the
// buffered records are lost, new writes go through.
func (g *Gateway) Open(ctx context.Context) error {
	g.mu.Lock()
	if g.open || g.degraded {
		g.mu.Unlock()
		return nil
	}
	pending := g.pending
	g.pending = nil
	g.open = true
	g.mu.Unlock()

	if len(pending) > 0 {
		if err := g.store.PutBatch(ctx, pending); err != nil {
			g.log.Error("draining pending writes failed",
				zap.Int("pending", len(pending)), zap.Error(err))
		} else {
			g.log.Info("drained pending writes", zap.Int("pending", len(pending)))
		}
	}

	close(g.ready)
	return nil
}

// Fail puts the gateway into degraded mode: buffered writes are discarded
// and future writes are dropped. Ready never fires.
func (g *Gateway) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open || g.degraded {
		return
	}
	g.degraded = true
	g.pending = nil
	g.log.Error("store open failed, running degraded: live data will not persist",
		zap.Error(err))
}

// Upsert writes a record and reports the outcome. Compaction and backfill
// use it where a silent skip would be unsafe (an upsert must be known to
// have succeeded before the surrounding originals are deleted).
func (g *Gateway) Upsert(ctx context.Context, rec *snapshot.Snapshot) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.store.Put(ctx, rec)
}

// The read and delete pass-throughs below make the gateway the single
// owner of store access. They error with ErrNotOpen until Open completes.

func (g *Gateway) guard() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return ErrNotOpen
	}
	return nil
}

// Get retrieves the record at key.
func (g *Gateway) Get(ctx context.Context, key int64) (*snapshot.Snapshot, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}
	return g.store.Get(ctx, key)
}

// Range returns records with low <= key <= high in ascending order.
func (g *Gateway) Range(ctx context.Context, low, high int64) ([]*snapshot.Snapshot, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}
	return g.store.Range(ctx, low, high)
}

// DeleteRange removes records with low <= key <= high.
func (g *Gateway) DeleteRange(ctx context.Context, low, high int64) (int, error) {
	if err := g.guard(); err != nil {
		return 0, err
	}
	return g.store.DeleteRange(ctx, low, high)
}

// Delete removes a single record.
func (g *Gateway) Delete(ctx context.Context, key int64) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.store.Delete(ctx, key)
}

// OldestKey returns the smallest stored key.
func (g *Gateway) OldestKey(ctx context.Context) (int64, bool, error) {
	if err := g.guard(); err != nil {
		return 0, false, err
	}
	return g.store.OldestKey(ctx)
}

// NewestKey returns the largest stored key.
func (g *Gateway) NewestKey(ctx context.Context) (int64, bool, error) {
	if err := g.guard(); err != nil {
		return 0, false, err
	}
	return g.store.NewestKey(ctx)
}

// Count returns the number of stored records.
func (g *Gateway) Count(ctx context.Context) (int64, error) {
	if err := g.guard(); err != nil {
		return 0, err
	}
	return g.store.Count(ctx)
}

// LoadBlob reads a configuration blob.
func (g *Gateway) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}
	return g.store.LoadBlob(ctx, name)
}

// SaveBlob writes a configuration blob.
func (g *Gateway) SaveBlob(ctx context.Context, name string, data []byte) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.store.SaveBlob(ctx, name, data)
}
