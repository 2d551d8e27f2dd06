package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"heatvault/pkg/config"
	"heatvault/pkg/storage/badger"
)

// runCompactionSweeps starts a sweep on a fixed cadence once the store is
// ready. A sweep already in progress makes the tick a no-op.
func (s *Server) runCompactionSweeps(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.gw.Ready():
	}

	// One sweep shortly after startup to work off any backlog.
	if s.engine.Start(ctx) {
		s.log.Info("initial compaction sweep started")
	}

	ticker := time.NewTicker(config.CompactionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.engine.Start(ctx) {
				s.log.Info("scheduled compaction sweep started")
			}
		}
	}
}

// runBackfillTicks drives the reconciler: once shortly after the store
// opens, then on the hourly cadence. Request timeouts run on their own
// timer; the tick only has to discover new dirt.
func (s *Server) runBackfillTicks(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.gw.Ready():
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(config.BackfillOpenDelay):
		s.reconciler.Tick(ctx)
	}

	ticker := time.NewTicker(config.BackfillTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconciler.Tick(ctx)
		}
	}
}

// runStoreGC reclaims badger value-log space periodically. The in-memory
// backend has nothing to collect.
func (s *Server) runStoreGC(ctx context.Context) {
	store, ok := s.store.(*badger.Storage)
	if !ok {
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := store.RunGC(0.5); err != nil {
				s.log.Debug("store GC found nothing to rewrite",
					zap.Duration("took", time.Since(start)))
			} else {
				s.log.Info("store GC reclaimed space",
					zap.Duration("took", time.Since(start)))
			}
		}
	}
}
