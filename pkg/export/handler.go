package export

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/httpx"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

const (
	// DefaultExportWindow is the default time range for exports (last 24 hours)
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow is the maximum allowed export time range (400 days, a
	// full lo-res retention)
	MaxExportWindow = 400 * 24 * time.Hour

	// maxImportBytes bounds an import request body
	maxImportBytes = 256 << 20
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	buckets  []string
	log      *zap.Logger
}

// NewHandler creates a new export/import handler. Only the listed buckets
// can be exported or imported; the first is the default.
func NewHandler(store storage.Storage, buckets []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		buckets:  buckets,
		log:      log.Named("export"),
	}
}

func (h *Handler) allowed(bucket string) bool {
	for _, b := range h.buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// HandleExport handles GET /v1/export
// Query params:
//   - bucket: raw bucket or tier bucket (default: first configured)
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h ago)
//   - end: RFC3339 timestamp (default: now)
//   - measurement: measurement filter (optional)
//   - location, building, room, kind, unitID, subID: identity filters (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	bucket := query.Get("bucket")
	if bucket == "" && len(h.buckets) > 0 {
		bucket = h.buckets[0]
	}
	if !h.allowed(bucket) {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown bucket %q", bucket))
		return
	}

	end := parseTimeParam(query.Get("end"), time.Now().UTC())
	start := parseTimeParam(query.Get("start"), end.Add(-DefaultExportWindow))
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Bucket:      bucket,
		Measurement: query.Get("measurement"),
		Start:       start,
		End:         end,
		Format:      format,
	}
	for _, tag := range sensor.IdentityTags {
		if v := query.Get(tag); v != "" {
			if opts.Tags == nil {
				opts.Tags = make(map[string]string)
			}
			opts.Tags[tag] = v
		}
	}

	filename := fmt.Sprintf("rollup-%s-%s.%s", bucket, time.Now().UTC().Format("20060102-150405"), format)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	result, err := h.exporter.Export(r.Context(), w, opts)
	if err != nil {
		h.log.Error("export failed", zap.String("bucket", bucket), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("export served",
		zap.String("bucket", bucket), zap.String("format", format),
		zap.Int("rows", result.RowsExported), zap.String("range", result.TimeRange))
}

// HandleImport handles POST /v1/import
// Accepts a JSON export and restores its rows. The target bucket is the
// bucket query param, or the exported bucket.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	bucket := r.URL.Query().Get("bucket")
	if bucket != "" && !h.allowed(bucket) {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown bucket %q", bucket))
		return
	}

	// The exported bucket is only known once the body is decoded.
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	doc, err := decodeDocument(body)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if bucket == "" {
		bucket = doc.Metadata.Bucket
	}
	if !h.allowed(bucket) {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown bucket %q", bucket))
		return
	}

	result, err := h.importer.importDocument(r.Context(), doc, bucket)
	if err != nil {
		h.log.Error("import failed", zap.String("bucket", bucket), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	if len(result.Errors) > 0 {
		h.log.Warn("import completed with validation errors",
			zap.Int("errors", len(result.Errors)), zap.Strings("first", firstN(result.Errors, 10)))
	}
	h.log.Info("import done",
		zap.String("bucket", bucket), zap.Int("rows", result.RowsImported),
		zap.Int("batches", result.BatchesWritten), zap.String("range", result.TimeRange))

	httpx.RespondJSON(w, http.StatusOK, result)
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// parseTimeParam parses a time parameter or returns default
func parseTimeParam(param string, defaultTime time.Time) time.Time {
	if param == "" {
		return defaultTime
	}

	// Try RFC3339 format
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t
	}

	// Try simple datetime format
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t
	}

	// Try date only
	if t, err := time.Parse("2006-01-02", param); err == nil {
		return t
	}

	// Return default if parsing fails
	return defaultTime
}
