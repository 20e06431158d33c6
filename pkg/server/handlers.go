package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/httpx"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/server/monitor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const statusTimeout = 5 * time.Second

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	Sim        bool                     `json:"sim,omitempty"`
	Rollup     monitor.RollupStatus     `json:"rollup"`
	Compaction monitor.CompactionStatus `json:"compaction"`
}

// handleHealth reports 503 once the rollup or the cleanup stops
// succeeding. Before the first cycle the status is "starting".
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	rollupStatus := a.RollupMonitor.Status()
	compactionStatus := a.CompactionMonitor.Status()

	status := "healthy"
	code := http.StatusOK
	switch {
	case !rollupStatus.Healthy && rollupStatus.LastAttempt == "":
		status = "starting"
	case !rollupStatus.Healthy || !compactionStatus.Healthy:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:     status,
		Version:    Version,
		Uptime:     a.clock.Since(a.started).Round(time.Second).String(),
		Sim:        a.cfg.Sim,
		Rollup:     rollupStatus,
		Compaction: compactionStatus,
	})
}

// BatcherStatus describes the live ingest buffer.
type BatcherStatus struct {
	Pending  int   `json:"pending"`
	Failures int64 `json:"failures"`
}

// StatusResponse is the detailed view of the daemon.
type StatusResponse struct {
	Started     string                   `json:"started"`
	Uptime      string                   `json:"uptime"`
	NextWindow  string                   `json:"next_window,omitempty"`
	Rollup      monitor.RollupStatus     `json:"rollup"`
	Compaction  monitor.CompactionStatus `json:"compaction"`
	Inventory   ingest.InventoryStats    `json:"inventory"`
	Batcher     BatcherStatus            `json:"batcher"`
	FeedClients int                      `json:"feed_clients"`
	Disk        *monitor.StorageStatus   `json:"disk,omitempty"`
	Store       *storage.Stats           `json:"store,omitempty"`
	StoreSize   string                   `json:"store_size,omitempty"`
	Errors      []string                 `json:"errors,omitempty"`
}

// handleStatus gathers every component's view. Partial failures are
// listed in Errors instead of failing the request.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	resp := StatusResponse{
		Started:     a.started.Format(time.RFC3339),
		Uptime:      a.clock.Since(a.started).Round(time.Second).String(),
		Rollup:      a.RollupMonitor.Status(),
		Compaction:  a.CompactionMonitor.Status(),
		Inventory:   a.Inventory.Stats(),
		Batcher:     BatcherStatus{Pending: a.Batcher.Pending(), Failures: a.Batcher.Failures()},
		FeedClients: a.Hub.ClientCount(),
	}
	if next := a.Scheduler.Next(); !next.IsZero() {
		resp.NextWindow = next.Format(time.RFC3339)
	}

	if disk, err := a.StorageMonitor.Status(); err != nil {
		resp.Errors = append(resp.Errors, "disk: "+err.Error())
	} else {
		resp.Disk = &disk
	}

	if stats, err := a.Store.Stats(ctx); err != nil {
		a.log.Warn("store stats failed", zap.Error(err))
		resp.Errors = append(resp.Errors, "store: "+err.Error())
	} else {
		resp.Store = stats
		resp.StoreSize = humanize.IBytes(stats.SizeBytes)
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// CheckpointResponse tells where the rollup stands.
type CheckpointResponse struct {
	Found      bool   `json:"found"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Age        string `json:"age,omitempty"`
	NextWindow string `json:"next_window,omitempty"`
	Interval   string `json:"interval"`
}

// handleCheckpoint reads the checkpoint from the hi-res tier.
func (a *App) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	last, ok, err := a.Cascade.LastCheckpoint(ctx)
	if err != nil {
		a.log.Error("checkpoint lookup failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := CheckpointResponse{
		Found:    ok,
		Interval: a.Cascade.Interval().String(),
	}
	if ok {
		resp.Checkpoint = last.Format(time.RFC3339)
		resp.Age = humanize.RelTime(last, a.clock.Now(), "ago", "ahead")
	}
	if next := a.Scheduler.Next(); !next.IsZero() {
		resp.NextWindow = next.Format(time.RFC3339)
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// SetupRoutes configures all HTTP routes for the server.
func (a *App) SetupRoutes(router *mux.Router) {
	router.Use(corsMiddleware(a.cfg.Port))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/checkpoint", a.handleCheckpoint).Methods(http.MethodGet)

	// Raw reading replay
	api.HandleFunc("/ingest", a.Ingest.HandleIngest).Methods(http.MethodPost)

	// Backup and restore
	api.HandleFunc("/export", a.Exports.HandleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", a.Exports.HandleImport).Methods(http.MethodPost)

	// Live aggregate feed
	api.HandleFunc("/ws", a.Hub.HandleWebSocket).Methods(http.MethodGet)

	router.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()
	a.SetupRoutes(router)
	return router
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
