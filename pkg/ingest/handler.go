package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nicktill/tinyrollup/pkg/httpx"
)

// Handler accepts readings over HTTP, for gateways that cannot reach the bus
// and for replaying exports.
type Handler struct {
	writer *Writer
}

// NewHandler creates a new ingest handler
func NewHandler(w *Writer) *Handler {
	return &Handler{writer: w}
}

// IngestReading is one bus message replayed over HTTP.
type IngestReading struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`

	// SkipDuplicateCheck forces the duplicate probe off.
	SkipDuplicateCheck bool `json:"skip_duplicate_check,omitempty"`
}

// IngestRequest represents the request payload
type IngestRequest struct {
	Readings []IngestReading `json:"readings"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status  string         `json:"status"`
	Count   int            `json:"count"`
	Results map[string]int `json:"results"`
	Errors  []string       `json:"errors,omitempty"`
}

// HandleIngest handles the /v1/ingest endpoint
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req IngestRequest
	if err := httpx.DecodeJSON(r, &req, int64(MaxReadingsPerBatch)*MaxPayloadBytes); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Readings) > MaxReadingsPerBatch {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: got %d", ErrTooManyReadings, len(req.Readings)))
		return
	}

	resp := IngestResponse{Status: "success", Count: len(req.Readings), Results: make(map[string]int)}
	for i, reading := range req.Readings {
		var opts []HandleOption
		if reading.Timestamp != nil {
			opts = append(opts, WithTimestamp(*reading.Timestamp))
		}
		if reading.SkipDuplicateCheck {
			opts = append(opts, WithoutDuplicateCheck())
		}

		res, err := h.writer.HandleJSON(r.Context(), reading.Topic, reading.Payload, opts...)
		if err != nil {
			resp.Results["failed"]++
			resp.Errors = append(resp.Errors, fmt.Sprintf("reading %d: %v", i, err))
			continue
		}
		resp.Results[res.String()]++
	}
	if len(resp.Errors) > 0 {
		resp.Status = "partial"
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}
