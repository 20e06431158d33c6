package monitor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nicktill/tinyrollup/pkg/compaction"
)

// CompactionMonitor tracks retention cleanup health and failures.
type CompactionMonitor struct {
	clock    clock.Clock
	interval time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastGC            bool
	cutoffs           map[string]time.Time
}

// NewCompactionMonitor creates a monitor for a task that runs every
// interval. A nil clock uses the wall clock.
func NewCompactionMonitor(interval time.Duration, clk clock.Clock) *CompactionMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &CompactionMonitor{clock: clk, interval: interval}
}

// RecordSuccess records a successful cleanup.
func (cm *CompactionMonitor) RecordSuccess(report *compaction.Report) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.clock.Now()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.consecutiveErrors = 0
	cm.lastError = ""
	if report != nil {
		cm.lastGC = report.GC
		cm.cutoffs = report.Cutoffs
	}
}

// RecordFailure records a failed cleanup.
func (cm *CompactionMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = cm.clock.Now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// IsHealthy reports false when cleanup never succeeded, last succeeded
// more than two intervals ago, or failed more than three times in a row.
func (cm *CompactionMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthyLocked()
}

func (cm *CompactionMonitor) healthyLocked() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.clock.Since(cm.lastSuccess) > 2*cm.interval {
		return false
	}
	return cm.consecutiveErrors <= 3
}

// CompactionStatus is the cleanup part of the health response.
type CompactionStatus struct {
	Healthy           bool              `json:"healthy"`
	LastSuccess       string            `json:"last_success,omitempty"`
	TimeSinceSuccess  string            `json:"time_since_success,omitempty"`
	LastAttempt       string            `json:"last_attempt,omitempty"`
	ConsecutiveErrors int               `json:"consecutive_errors,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	Cutoffs           map[string]string `json:"cutoffs,omitempty"`
	GC                bool              `json:"gc,omitempty"`
}

// Status returns the current cleanup status.
func (cm *CompactionMonitor) Status() CompactionStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CompactionStatus{
		Healthy: cm.healthyLocked(),
		GC:      cm.lastGC,
	}
	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = cm.clock.Since(cm.lastSuccess).Round(time.Second).String()
	}
	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}
	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}
	if len(cm.cutoffs) > 0 {
		status.Cutoffs = make(map[string]string, len(cm.cutoffs))
		for bucket, ts := range cm.cutoffs {
			status.Cutoffs[bucket] = ts.Format(time.RFC3339)
		}
	}
	return status
}
