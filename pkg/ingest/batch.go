package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

// BatchConfig holds configuration for the batcher
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// DefaultBatchConfig flushes every 500 points or every 2 seconds.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxBatchSize: 500, FlushEvery: 2 * time.Second}
}

// Batcher buffers raw points and writes them to the store in batches.
// It implements Sink.
type Batcher struct {
	config BatchConfig
	store  Sink
	log    *zap.Logger

	pending map[string][]storage.Point // bucket -> points
	size    int
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool // one background flush at a time
	failures atomic.Int64
	dropped  atomic.Int64
}

// maxPendingBatches bounds the queue, in batches, while the store is failing.
const maxPendingBatches = 20

// NewBatcher creates a batcher writing to store.
func NewBatcher(store Sink, config BatchConfig, log *zap.Logger) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = DefaultBatchConfig().FlushEvery
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{
		config:  config,
		store:   store,
		log:     log.Named("batcher"),
		pending: make(map[string][]storage.Point),
		done:    make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Write queues points for bucket. A full batch is flushed in the background.
func (b *Batcher) Write(_ context.Context, bucket string, points []storage.Point) error {
	if len(points) == 0 {
		return nil
	}
	b.mu.Lock()
	b.pending[bucket] = append(b.pending[bucket], points...)
	b.size += len(points)
	shouldFlush := b.size >= b.config.MaxBatchSize
	b.mu.Unlock()

	// CompareAndSwap ensures only one flush goroutine runs at a time
	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			defer b.flushing.Store(false)
			b.flushPending(b.context())
		}()
	}
	return nil
}

// Pending returns the number of queued points.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Failures returns the number of failed batch writes.
func (b *Batcher) Failures() int64 {
	return b.failures.Load()
}

// Dropped returns the number of points discarded because the queue was
// full after failed writes.
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

// Flush writes all pending points and returns the first error. Points of
// a failed write stay queued.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flushPending(ctx)
}

// Stop stops the flush loop and writes what is left.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.Flush(ctx)
}

func (b *Batcher) context() context.Context {
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flushPending(b.ctx)
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) take() map[string][]storage.Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	out := b.pending
	b.pending = make(map[string][]storage.Point, len(out))
	b.size = 0
	return out
}

// requeue puts points that failed to write back in front of the queue.
// Beyond maxPending the oldest are dropped.
func (b *Batcher) requeue(bucket string, points []storage.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[bucket] = append(points, b.pending[bucket]...)
	b.size += len(points)

	limit := b.config.MaxBatchSize * maxPendingBatches
	if over := b.size - limit; over > 0 {
		q := b.pending[bucket]
		if over > len(q) {
			over = len(q)
		}
		b.pending[bucket] = q[over:]
		b.size -= over
		b.dropped.Add(int64(over))
		b.log.Warn("ingest queue full, dropping oldest points",
			zap.String("bucket", bucket), zap.Int("dropped", over))
	}
}

func (b *Batcher) flushPending(ctx context.Context) error {
	batches := b.take()
	var first error
	for bucket, points := range batches {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.store.Write(wctx, bucket, points)
		cancel()
		if err != nil {
			b.failures.Add(1)
			b.log.Error("batch write failed, points kept for the next flush",
				zap.String("bucket", bucket), zap.Int("points", len(points)), zap.Error(err))
			b.requeue(bucket, points)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
