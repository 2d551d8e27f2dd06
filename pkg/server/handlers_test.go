package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heatvault/pkg/compaction"
	"heatvault/pkg/config"
	"heatvault/pkg/snapshot"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	settings := config.Settings{
		Port:     "8080",
		InMemory: true,
		FeedURL:  "ws://test/ws",
	}
	s := New(settings, zap.NewNop())
	require.NoError(t, s.gw.Open(context.Background()))
	router := mux.NewRouter()
	s.routes(router)
	return s, router
}

func seedServer(t *testing.T, s *Server, recs ...*snapshot.Snapshot) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.gw.Upsert(context.Background(), rec))
	}
}

func do(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	rr := do(h, "GET", "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "disconnected", string(resp.Feed))
}

func TestStatsEndpoint(t *testing.T) {
	s, h := newTestServer(t)
	seedServer(t, s,
		&snapshot.Snapshot{Time: 100},
		&snapshot.Snapshot{Time: 900},
	)

	rr := do(h, "GET", "/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Count)
	assert.Equal(t, int64(100), resp.Oldest)
	assert.Equal(t, int64(900), resp.Newest)
}

func TestSnapshotCRUD(t *testing.T) {
	s, h := newTestServer(t)

	rr := do(h, "PUT", "/v1/snapshots/100", `{"target":21.5}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(h, "GET", "/v1/snapshots/100", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec snapshot.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, int64(100), rec.Time)
	require.NotNil(t, rec.Target)
	assert.Equal(t, 21.5, *rec.Target)

	rr = do(h, "DELETE", "/v1/snapshots/100", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(h, "GET", "/v1/snapshots/100", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	count, err := s.gw.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLatestEndpoint(t *testing.T) {
	s, h := newTestServer(t)

	rr := do(h, "GET", "/v1/snapshots/latest", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	seedServer(t, s,
		&snapshot.Snapshot{Time: 100, Room: snapshot.F(19.0)},
		&snapshot.Snapshot{Time: 200, Room: snapshot.F(20.5)},
	)

	rr = do(h, "GET", "/v1/snapshots/latest", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec snapshot.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, int64(200), rec.Time)
}

func TestRangeEndpoint(t *testing.T) {
	s, h := newTestServer(t)
	seedServer(t, s,
		&snapshot.Snapshot{Time: 100},
		&snapshot.Snapshot{Time: 200},
		&snapshot.Snapshot{Time: 300},
	)

	rr := do(h, "GET", "/v1/snapshots?start=100&end=200", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Count     int                  `json:"count"`
		Snapshots []*snapshot.Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rr = do(h, "GET", "/v1/snapshots?start=300&end=100", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, "GET", "/v1/snapshots?start=100&end=300&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestPathKeyValidation(t *testing.T) {
	_, h := newTestServer(t)

	// Non-numeric keys never match the route.
	rr := do(h, "GET", "/v1/snapshots/abc", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(h, "GET", "/v1/snapshots/0", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCompactionConfigRoundTrip(t *testing.T) {
	s, h := newTestServer(t)

	body := `{"stages":[
		{"older_than_secs":1800,"interval_secs":120},
		{"older_than_secs":86400,"interval_secs":1200},
		{"older_than_secs":864000,"interval_secs":7200}]}`
	rr := do(h, "PUT", "/v1/compaction/config", body)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(h, "GET", "/v1/compaction/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	cfg := s.engine.Config()
	require.Len(t, cfg.Stages, 3)
	assert.Equal(t, int64(1200), cfg.Stages[1].IntervalSecs)

	// Invalid table is rejected and the active one stays.
	rr = do(h, "PUT", "/v1/compaction/config", `{"stages":[{"older_than_secs":5,"interval_secs":-1}]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int64(120), s.engine.Config().Stages[0].IntervalSecs)

	// The accepted table was persisted and survives a reload.
	require.NoError(t, s.engine.SetConfig(compaction.DefaultConfig()))
	s.loadCompactionConfig(context.Background())
	assert.Equal(t, int64(120), s.engine.Config().Stages[0].IntervalSecs)
}

func TestCompactionStartAndStop(t *testing.T) {
	_, h := newTestServer(t)

	rr := do(h, "POST", "/v1/compaction/start", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Started bool `json:"started"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Started)

	rr = do(h, "POST", "/v1/compaction/stop", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBackfillStatusEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	rr := do(h, "GET", "/v1/backfill", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp, "window_secs")
}

func TestExportEndpoint(t *testing.T) {
	s, h := newTestServer(t)
	seedServer(t, s, &snapshot.Snapshot{Time: 100, Target: snapshot.F(21.0)})

	rr := do(h, "GET", "/v1/export?format=csv&start=1&end=1000", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "heatvault-export-")
	assert.Contains(t, rr.Body.String(), "time,target")
}

func TestImportEndpoint(t *testing.T) {
	s, h := newTestServer(t)

	rr := do(h, "POST", "/v1/import", `[{"time":100,"target":21.0}]`)
	require.Equal(t, http.StatusOK, rr.Code)

	count, err := s.gw.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCORSRestrictedToLocalDashboard(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:8080", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
