package monitor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// StateSource reports what the cascade is doing right now.
type StateSource interface {
	State() rollup.State
}

// RollupMonitor tracks cycle health. It is a rollup.Observer.
type RollupMonitor struct {
	clock    clock.Clock
	interval time.Duration
	source   StateSource

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	checkpoint        time.Time
	lastOutcome       string
	catchUp           bool
	cycles            int64
	written           map[string]int64
}

// NewRollupMonitor creates a monitor for a cascade running every
// interval. source may be nil; a nil clock uses the wall clock.
func NewRollupMonitor(interval time.Duration, source StateSource, clk clock.Clock) *RollupMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &RollupMonitor{
		clock:    clk,
		interval: interval,
		source:   source,
		written:  make(map[string]int64),
	}
}

// Attach sets the state source once the cascade exists.
func (rm *RollupMonitor) Attach(source StateSource) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.source = source
}

// SetCheckpoint records the checkpoint found at startup.
func (rm *RollupMonitor) SetCheckpoint(ts time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ts.After(rm.checkpoint) {
		rm.checkpoint = ts
	}
}

// Checkpoint returns the last known checkpoint, zero when none.
func (rm *RollupMonitor) Checkpoint() time.Time {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.checkpoint
}

// RecordWritten implements rollup.Observer.
func (rm *RollupMonitor) RecordWritten(tier rollup.Tier, _ *aggregate.Record) {
	rm.mu.Lock()
	rm.written[tier.Name]++
	rm.mu.Unlock()
}

// CycleFinished implements rollup.Observer.
func (rm *RollupMonitor) CycleFinished(res *rollup.CycleResult, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := rm.clock.Now()
	rm.lastAttempt = now
	if err != nil {
		rm.consecutiveErrors++
		rm.lastError = err.Error()
		return
	}
	rm.cycles++
	rm.lastSuccess = now
	rm.consecutiveErrors = 0
	rm.lastError = ""
	rm.lastOutcome = res.Outcome.String()
	rm.catchUp = res.CatchUp
	if res.Cursor.After(rm.checkpoint) {
		rm.checkpoint = res.Cursor
	}
}

// IsHealthy reports false when no cycle has succeeded for a few
// intervals or the last cycles kept failing.
func (rm *RollupMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthyLocked()
}

func (rm *RollupMonitor) healthyLocked() bool {
	if rm.lastSuccess.IsZero() {
		return false
	}
	if rm.clock.Since(rm.lastSuccess) > config.HealthStaleIntervals*rm.interval {
		return false
	}
	return rm.consecutiveErrors < config.HealthMaxConsecErrors
}

// RollupStatus is the rollup part of the health and status responses.
type RollupStatus struct {
	Healthy           bool             `json:"healthy"`
	State             string           `json:"state"`
	Interval          string           `json:"interval"`
	Checkpoint        string           `json:"checkpoint,omitempty"`
	CheckpointAge     string           `json:"checkpoint_age,omitempty"`
	CatchingUp        bool             `json:"catching_up"`
	LastOutcome       string           `json:"last_outcome,omitempty"`
	LastSuccess       string           `json:"last_success,omitempty"`
	LastAttempt       string           `json:"last_attempt,omitempty"`
	ConsecutiveErrors int              `json:"consecutive_errors,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	Cycles            int64            `json:"cycles"`
	Written           map[string]int64 `json:"written"`
}

// Status returns the current rollup status.
func (rm *RollupMonitor) Status() RollupStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	now := rm.clock.Now()
	status := RollupStatus{
		Healthy:     rm.healthyLocked(),
		State:       rollup.StateIdle.String(),
		Interval:    rm.interval.String(),
		CatchingUp:  rm.catchUp,
		LastOutcome: rm.lastOutcome,
		Cycles:      rm.cycles,
		Written:     make(map[string]int64, len(rm.written)),
	}
	if rm.source != nil {
		status.State = rm.source.State().String()
	}
	for tier, n := range rm.written {
		status.Written[tier] = n
	}
	if !rm.checkpoint.IsZero() {
		status.Checkpoint = rm.checkpoint.Format(time.RFC3339)
		status.CheckpointAge = humanize.RelTime(rm.checkpoint, now, "ago", "ahead")
	}
	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
	}
	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}
	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}
	return status
}
