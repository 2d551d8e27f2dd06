package export

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"heatvault/pkg/config"
	"heatvault/pkg/gateway"
	"heatvault/pkg/httpx"
)

// Handler serves the export/import HTTP endpoints.
type Handler struct {
	exporter *Exporter
	log      *zap.Logger
}

// NewHandler creates a new export/import handler.
func NewHandler(gw *gateway.Gateway, log *zap.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(gw),
		log:      log.Named("export"),
	}
}

// HandleExport handles GET /v1/export.
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: epoch seconds (default: 24h before end)
//   - end:   epoch seconds (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	end := parseEpochParam(query.Get("end"), time.Now().Unix())
	start := parseEpochParam(query.Get("start"), end-int64(config.DefaultExportWindow/time.Second))
	if start < 1 {
		start = 1
	}
	if start > end {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must not be after end")
		return
	}
	if end-start > int64(config.MaxExportWindow/time.Second) {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := Options{Start: start, End: end, Format: format}

	stamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=heatvault-export-%s.json", stamp))
	} else {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=heatvault-export-%s.csv", stamp))
	}

	ctx := r.Context()
	var result *Result
	var err error
	if format == "json" {
		result, err = h.exporter.ExportJSON(ctx, w, opts)
	} else {
		result, err = h.exporter.ExportCSV(ctx, w, opts)
	}
	if err != nil {
		h.log.Error("export failed", zap.Error(err))
		return
	}
	h.log.Info("export finished",
		zap.Int("records", result.Records),
		zap.String("format", result.Format),
		zap.Int64("start", result.Start),
		zap.Int64("end", result.End))
}

// HandleImport handles POST /v1/import with a JSON backup body.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	result, err := h.exporter.ImportJSON(r.Context(), r.Body)
	if err != nil {
		h.log.Error("import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if result.Skipped > 0 {
		h.log.Warn("import skipped invalid records", zap.Int("skipped", result.Skipped))
	}
	h.log.Info("import finished", zap.Int("imported", result.Imported))
	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseEpochParam parses an epoch-seconds parameter or returns fallback.
func parseEpochParam(param string, fallback int64) int64 {
	if param == "" {
		return fallback
	}
	v, err := strconv.ParseInt(param, 10, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
