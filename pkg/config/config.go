package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/rollup"
	DefaultMaxMemoryMB = 48
)

// Bucket and measurement defaults
const (
	DefaultRawBucket       = "sensors"
	DefaultHiResBucket     = "sensors_hires"
	DefaultLoResBucket     = "sensors_lowres"
	DefaultInventoryBucket = "sensors_inventory"
	DefaultMeasurement     = "data"
	DefaultLocation        = "ut3"
)

// Rollup defaults
const (
	DefaultIntervalMinutes = 5
	DefaultHiResRetention  = 7 * 24 * time.Hour
	DefaultLoResRetention  = 365 * 24 * time.Hour
	DefaultLookback        = 7 * 24 * time.Hour
	DefaultPrecision       = 3
	DefaultWorkers         = 4
	DefaultDispatchDelay   = 10 * time.Second
)

// Retry defaults
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 10 * time.Second
)

// Duplicate guard defaults
const (
	DefaultDuplicateTolerance = time.Second
	DefaultImportBatch        = 24 * time.Hour
)

// Compaction intervals
const (
	CompactionInterval = 1 * time.Hour
	BadgerGCInterval   = 10 * time.Minute
)

// Ingest batching
const (
	IngestBatchSize  = 500
	IngestFlushEvery = 2 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Health thresholds
const (
	// A rollup not succeeding for this many intervals is unhealthy
	HealthStaleIntervals  = 3
	HealthMaxConsecErrors = 3
)
