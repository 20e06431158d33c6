package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/nicktill/tinyrollup/pkg/compaction"
)

func TestCompactionMonitor_RecordSuccess(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	cm := NewCompactionMonitor(time.Hour, clk)

	cm.RecordFailure(errors.New("disk full"))
	cm.RecordSuccess(&compaction.Report{
		GC:      true,
		Cutoffs: map[string]time.Time{"sensors_hires": time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)},
	})

	status := cm.Status()
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
	assert.True(t, status.GC)
	assert.Equal(t, "2024-03-03T12:00:00Z", status.Cutoffs["sensors_hires"])
	assert.Equal(t, "2024-03-10T12:00:00Z", status.LastSuccess)
	assert.Equal(t, "0s", status.TimeSinceSuccess)
}

func TestCompactionMonitor_RecordFailure(t *testing.T) {
	cm := NewCompactionMonitor(time.Hour, clock.NewMock())
	cm.RecordFailure(errors.New("disk full"))

	status := cm.Status()
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Equal(t, "disk full", status.LastError)
	assert.NotEmpty(t, status.LastAttempt)
}

func TestCompactionMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*CompactionMonitor, *clock.Mock)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*CompactionMonitor, *clock.Mock) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(cm *CompactionMonitor, _ *clock.Mock) {
				cm.RecordSuccess(nil)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(cm *CompactionMonitor, clk *clock.Mock) {
				cm.RecordSuccess(nil)
				clk.Add(3 * time.Hour)
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(cm *CompactionMonitor, _ *clock.Mock) {
				cm.RecordSuccess(nil)
				for i := 0; i < 4; i++ {
					cm.RecordFailure(errors.New("error"))
				}
			},
			expected: false,
		},
		{
			name: "a few errors after success",
			setup: func(cm *CompactionMonitor, _ *clock.Mock) {
				cm.RecordSuccess(nil)
				cm.RecordFailure(errors.New("error"))
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			cm := NewCompactionMonitor(time.Hour, clk)
			tt.setup(cm, clk)
			assert.Equal(t, tt.expected, cm.IsHealthy())
		})
	}
}
