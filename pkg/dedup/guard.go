// Package dedup detects raw readings that are already stored.
//
// Readings replayed from the message bus or imported from the legacy store
// may carry a timestamp that differs by a second from the copy already
// written, so the probe looks at a small window around the timestamp
// instead of an exact key.
package dedup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

const (
	DefaultTolerance = time.Second

	// DefaultBatchInterval is the span covered by one import batch.
	DefaultBatchInterval = 24 * time.Hour
)

// Guard probes the raw bucket for existing readings.
type Guard struct {
	store       storage.Storage
	bucket      string
	measurement string
	tolerance   time.Duration
	log         *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithTolerance sets how far around a timestamp a stored reading still
// counts as the same one.
func WithTolerance(d time.Duration) Option {
	return func(g *Guard) {
		if d >= 0 {
			g.tolerance = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(g *Guard) { g.log = log }
}

// New creates a guard over bucket.
func New(store storage.Storage, bucket, measurement string, opts ...Option) *Guard {
	g := &Guard{
		store:       store,
		bucket:      bucket,
		measurement: measurement,
		tolerance:   DefaultTolerance,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tolerance returns the probe half-width.
func (g *Guard) Tolerance() time.Duration { return g.tolerance }

// Exists reports whether a reading of id is stored within the tolerance of
// ts. Tags id does not carry must be absent on the stored reading.
func (g *Guard) Exists(ctx context.Context, id sensor.Identity, ts time.Time) (bool, error) {
	ts = ts.UTC().Truncate(storage.Precision)
	found, err := g.store.Exists(ctx, storage.QueryRequest{
		Bucket:      g.bucket,
		Measurement: g.measurement,
		Start:       ts.Add(-g.tolerance),
		End:         ts.Add(g.tolerance + storage.Precision),
		Tags:        storage.MatchTags(id, sensor.IdentityTags),
		Fields:      []string{sensor.FieldValue},
	})
	if err != nil {
		return false, fmt.Errorf("duplicate probe for %s: %w", id, err)
	}
	return found, nil
}

// RangeEmpty reports whether no reading at all is stored in [start, end).
func (g *Guard) RangeEmpty(ctx context.Context, start, end time.Time) (bool, error) {
	found, err := g.store.Exists(ctx, storage.QueryRequest{
		Bucket:      g.bucket,
		Measurement: g.measurement,
		Start:       start.UTC().Truncate(storage.Precision),
		End:         end.UTC().Truncate(storage.Precision),
		Fields:      []string{sensor.FieldValue},
	})
	if err != nil {
		return false, fmt.Errorf("range probe: %w", err)
	}
	return !found, nil
}

// Batch is a guard scoped to one import batch [Start, End). When nothing
// was stored in that range before the batch began, per-reading probes are
// skipped.
type Batch struct {
	guard      *Guard
	Start, End time.Time
	skip       bool
}

// Batch opens a batch. disabled turns every probe of the batch off.
func (g *Guard) Batch(ctx context.Context, start, end time.Time, disabled bool) (*Batch, error) {
	b := &Batch{guard: g, Start: start, End: end, skip: disabled}
	if disabled {
		g.log.Info("duplicate check disabled for batch", zap.Time("start", start))
		return b, nil
	}
	// The probe window is widened by the tolerance so readings at the batch
	// edges are still checked.
	empty, err := g.RangeEmpty(ctx, start.Add(-g.tolerance), end.Add(g.tolerance))
	if err != nil {
		return nil, err
	}
	if empty {
		g.log.Info("batch range holds no data, skipping duplicate probes",
			zap.Time("start", start), zap.Time("end", end))
	}
	b.skip = empty
	return b, nil
}

// Probing reports whether the batch checks readings individually.
func (b *Batch) Probing() bool { return !b.skip }

// Contains reports whether ts falls inside the batch.
func (b *Batch) Contains(ts time.Time) bool {
	return !ts.Before(b.Start) && ts.Before(b.End)
}

// Exists is Guard.Exists unless the batch range was empty.
func (b *Batch) Exists(ctx context.Context, id sensor.Identity, ts time.Time) (bool, error) {
	if b.skip {
		return false, nil
	}
	return b.guard.Exists(ctx, id, ts)
}
