// Package server wires the retention core together: storage, store
// gateway, live feed, compaction engine, backfill reconciler, the
// dashboard hub, and the admin HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"heatvault/pkg/backfill"
	"heatvault/pkg/compaction"
	"heatvault/pkg/config"
	"heatvault/pkg/export"
	"heatvault/pkg/feed"
	"heatvault/pkg/gateway"
	"heatvault/pkg/storage"
	"heatvault/pkg/storage/badger"
	"heatvault/pkg/storage/memory"
)

// compactionConfigBlob is the durable blob holding the active stage table.
const compactionConfigBlob = "compaction-config"

// Server is the assembled service.
type Server struct {
	settings config.Settings
	log      *zap.Logger

	store      storage.Store
	gw         *gateway.Gateway
	feed       *feed.Feed
	engine     *compaction.Engine
	reconciler *backfill.Reconciler
	hub        *Hub
	exports    *export.Handler

	httpSrv   *http.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New builds the full dependency graph. A storage-open failure does not
// fail construction: the gateway runs degraded and the live fan-out keeps
// working.
func New(settings config.Settings, log *zap.Logger) *Server {
	s := &Server{
		settings:  settings,
		log:       log,
		startedAt: time.Now(),
	}

	var openErr error
	if settings.InMemory {
		s.store = memory.New()
	} else {
		store, err := badger.New(badger.Config{
			Path:        filepath.Join(settings.DataDir, "heatvault"),
			MaxMemoryMB: int64(settings.MaxMemoryMB),
		}, log)
		if err != nil {
			openErr = fmt.Errorf("failed to open store: %w", err)
			s.store = memory.New()
		} else {
			s.store = store
		}
	}

	s.gw = gateway.New(s.store, log)
	s.engine = compaction.New(s.gw, compaction.DefaultConfig(), log)
	s.feed = feed.New(s.gw, feed.NewDialer(), settings.FeedURL, log)
	s.reconciler = backfill.New(s.gw, s.feed, log, backfill.DefaultConfig())
	s.feed.SetSeriesHandler(s.reconciler)

	s.hub = NewHub(log)
	s.feed.Subscribe(s.hub)
	s.engine.SetNotify(s.hub.OnCompactionStatus)

	s.exports = export.NewHandler(s.gw, log)

	if openErr != nil {
		s.gw.Fail(openErr)
	}

	return s
}

// Start opens the store, launches the background loops, and begins
// serving the admin API. It returns once the HTTP listener is up;
// ListenAndServe errors other than graceful close are reported through
// the returned channel.
func (s *Server) Start() <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if !s.gw.Degraded() {
		if err := s.gw.Open(ctx); err != nil {
			s.gw.Fail(err)
		} else {
			s.loadCompactionConfig(ctx)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.feed.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCompactionSweeps(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBackfillTicks(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStoreGC(ctx)
	}()

	router := mux.NewRouter()
	s.routes(router)
	s.httpSrv = &http.Server{
		Addr:    ":" + s.settings.Port,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("admin API listening", zap.String("port", s.settings.Port))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown stops the background loops, the HTTP listener, and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadCompactionConfig restores the persisted stage table. Anything
// invalid or unreadable leaves the default configuration in force.
func (s *Server) loadCompactionConfig(ctx context.Context) {
	data, err := s.gw.LoadBlob(ctx, compactionConfigBlob)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to load persisted compaction config", zap.Error(err))
		}
		return
	}
	var cfg compaction.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("persisted compaction config unreadable, keeping default", zap.Error(err))
		return
	}
	if err := s.engine.SetConfig(cfg); err != nil {
		s.log.Warn("persisted compaction config invalid, keeping default", zap.Error(err))
		return
	}
	s.log.Info("compaction config restored", zap.Int("stages", len(cfg.Stages)))
}

// saveCompactionConfig persists the active stage table.
func (s *Server) saveCompactionConfig(ctx context.Context, cfg compaction.Config) {
	data, err := json.Marshal(cfg)
	if err != nil {
		s.log.Warn("failed to encode compaction config", zap.Error(err))
		return
	}
	if err := s.gw.SaveBlob(ctx, compactionConfigBlob, data); err != nil {
		s.log.Warn("failed to persist compaction config", zap.Error(err))
	}
}
