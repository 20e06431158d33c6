package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// StorageMonitor reports the disk usage of the data directory. Walking
// the directory is slow, so the result is cached.
type StorageMonitor struct {
	dataDir       string
	clock         clock.Clock
	cacheDuration time.Duration

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewStorageMonitor creates a monitor for dataDir. A nil clock uses the
// wall clock.
func NewStorageMonitor(dataDir string, clk clock.Clock) *StorageMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &StorageMonitor{
		dataDir:       dataDir,
		clock:         clk,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns the bytes used by the data directory.
func (sm *StorageMonitor) Usage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if !sm.lastCheck.IsZero() && now.Sub(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = usage
	sm.lastCheck = now
	return usage, nil
}

// StorageStatus is the data directory usage for the status endpoint.
type StorageStatus struct {
	DataDir   string `json:"data_dir"`
	UsedBytes int64  `json:"used_bytes"`
	Used      string `json:"used"`
}

// Status returns the usage with a human readable size.
func (sm *StorageMonitor) Status() (StorageStatus, error) {
	used, err := sm.Usage()
	if err != nil {
		return StorageStatus{}, err
	}
	return StorageStatus{
		DataDir:   sm.dataDir,
		UsedBytes: used,
		Used:      humanize.IBytes(uint64(used)),
	}, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if actual, err := diskUsage(filePath, info); err == nil {
			size += actual
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
