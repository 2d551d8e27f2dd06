package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"heatvault/pkg/backfill"
	"heatvault/pkg/compaction"
	"heatvault/pkg/feed"
	"heatvault/pkg/gateway"
	"heatvault/pkg/httpx"
	"heatvault/pkg/snapshot"
	"heatvault/pkg/storage"
)

// defaultRangeLimit caps /v1/snapshots responses unless the caller asks
// for less.
const defaultRangeLimit = 10000

// routes registers the admin API.
func (s *Server) routes(router *mux.Router) {
	router.Use(corsMiddleware(s.settings.Port))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	api.HandleFunc("/snapshots/latest", s.handleLatest).Methods("GET")
	api.HandleFunc("/snapshots", s.handleRange).Methods("GET")
	api.HandleFunc("/snapshots/{key:[0-9]+}", s.handleGet).Methods("GET")
	api.HandleFunc("/snapshots/{key:[0-9]+}", s.handlePut).Methods("PUT")
	api.HandleFunc("/snapshots/{key:[0-9]+}", s.handleDelete).Methods("DELETE")

	api.HandleFunc("/compaction", s.handleCompactionStatus).Methods("GET")
	api.HandleFunc("/compaction/start", s.handleCompactionStart).Methods("POST")
	api.HandleFunc("/compaction/stop", s.handleCompactionStop).Methods("POST")
	api.HandleFunc("/compaction/config", s.handleCompactionConfigGet).Methods("GET")
	api.HandleFunc("/compaction/config", s.handleCompactionConfigPut).Methods("PUT")

	api.HandleFunc("/backfill", s.handleBackfillStatus).Methods("GET")

	api.HandleFunc("/export", s.exports.HandleExport).Methods("GET")
	api.HandleFunc("/import", s.exports.HandleImport).Methods("POST")

	api.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")
}

// HealthResponse is the /v1/health body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Feed       feed.State        `json:"feed"`
	Uptime     string            `json:"uptime"`
	Compaction compaction.Status `json:"compaction"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.gw.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, HealthResponse{
		Status:     status,
		Feed:       s.feed.State(),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Compaction: s.engine.Status(),
	})
}

// StatsResponse is the /v1/stats body.
type StatsResponse struct {
	Count    int64           `json:"count"`
	Oldest   int64           `json:"oldest,omitempty"`
	Newest   int64           `json:"newest,omitempty"`
	Backfill backfill.Status `json:"backfill"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.gw.Count(ctx)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	resp := StatsResponse{Count: count, Backfill: s.reconciler.Status()}
	if oldest, ok, err := s.gw.OldestKey(ctx); err == nil && ok {
		resp.Oldest = oldest
	}
	if newest, ok, err := s.gw.NewestKey(ctx); err == nil && ok {
		resp.Newest = newest
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	newest, ok, err := s.gw.NewestKey(ctx)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, "store is empty")
		return
	}
	rec, err := s.gw.Get(ctx, newest)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	end := parseInt64Param(query.Get("end"), time.Now().Unix())
	start := parseInt64Param(query.Get("start"), end-3600)
	limit := int(parseInt64Param(query.Get("limit"), defaultRangeLimit))
	if limit <= 0 || limit > defaultRangeLimit {
		limit = defaultRangeLimit
	}
	if start > end {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	recs, err := s.gw.Range(r.Context(), start, end)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"start":     start,
		"end":       end,
		"count":     len(recs),
		"snapshots": recs,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	rec, err := s.gw.Get(r.Context(), key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var rec snapshot.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	rec.Time = key
	if err := s.gw.Upsert(r.Context(), &rec); err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, &rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.gw.Delete(r.Context(), key); err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int64{"deleted": key})
}

func (s *Server) handleCompactionStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status": s.engine.Status(),
		"config": s.engine.Config(),
	})
}

// handleCompactionStart starts a sweep, optionally replacing the stage
// table first. An invalid table is rejected and the previous one stays in
// force; a sweep already running makes this a no-op.
func (s *Server) handleCompactionStart(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength != 0 {
		var cfg compaction.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.engine.SetConfig(cfg); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		s.saveCompactionConfig(r.Context(), cfg)
	}
	started := s.engine.Start(context.Background())
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"status":  s.engine.Status(),
	})
}

func (s *Server) handleCompactionStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"status": s.engine.Status()})
}

func (s *Server) handleCompactionConfigGet(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.engine.Config())
}

func (s *Server) handleCompactionConfigPut(w http.ResponseWriter, r *http.Request) {
	var cfg compaction.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetConfig(cfg); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	s.saveCompactionConfig(r.Context(), cfg)
	httpx.RespondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.reconciler.Status())
}

// pathKey parses the {key} path variable, responding on failure.
func pathKey(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(mux.Vars(r)["key"], 10, 64)
	if err != nil || key <= 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "key must be a positive epoch-second integer")
		return 0, false
	}
	return key, true
}

func parseInt64Param(param string, fallback int64) int64 {
	if param == "" {
		return fallback
	}
	v, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// respondStoreError maps gateway errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, gateway.ErrNotOpen):
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
	default:
		zap.L().Warn("store request failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}

// corsMiddleware restricts browser access to local dashboard origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin == "http://localhost:"+port ||
				origin == "http://127.0.0.1:"+port
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
