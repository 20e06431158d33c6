package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

// DefaultDiscardRatio rewrites a value log file once half of it is garbage.
const DefaultDiscardRatio = 0.5

// gcRunner is implemented by stores with a value log to reclaim.
type gcRunner interface {
	RunGC(discardRatio float64) error
}

// Compactor enforces retention on the raw bucket and on every tier, then
// reclaims disk space.
type Compactor struct {
	storage  storage.Storage
	policies []Policy
	clock    clock.Clock
	log      *zap.Logger
	sim      bool
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Compactor) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Compactor) { c.log = log }
}

// WithSim logs what would be deleted without deleting it.
func WithSim(sim bool) Option {
	return func(c *Compactor) { c.sim = sim }
}

// New creates a compactor for the given policies.
func New(store storage.Storage, policies []Policy, opts ...Option) *Compactor {
	c := &Compactor{
		storage:  store,
		policies: policies,
		clock:    clock.New(),
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("compaction")
	return c
}

// Policies returns the configured policies.
func (c *Compactor) Policies() []Policy { return c.policies }

// CompactAndCleanup deletes expired rows from every bucket with a
// retention, then runs value log GC when the store supports it.
func (c *Compactor) CompactAndCleanup(ctx context.Context) (*Report, error) {
	now := c.clock.Now()
	report := &Report{Started: now, Cutoffs: make(map[string]time.Time)}

	for _, p := range c.policies {
		if p.Retention <= 0 {
			continue
		}
		cutoff := p.Cutoff(now)
		if c.sim {
			c.log.Info("sim mode, not deleting", zap.String("bucket", p.Bucket), zap.Time("before", cutoff))
			continue
		}
		if err := c.storage.Delete(ctx, storage.DeleteRequest{Bucket: p.Bucket, End: cutoff}); err != nil {
			return report, fmt.Errorf("delete %s rows before %s: %w", p.Name, cutoff.Format(time.RFC3339), err)
		}
		report.Cutoffs[p.Bucket] = cutoff
		c.log.Debug("retention applied", zap.String("tier", p.Name), zap.String("bucket", p.Bucket), zap.Time("before", cutoff))
	}

	if !c.sim {
		gc, err := c.RunGC(DefaultDiscardRatio)
		if err != nil {
			return report, err
		}
		report.GC = gc
	}

	report.Duration = c.clock.Since(now)
	return report, nil
}

// RunGC runs one value log GC pass. It reports whether a file was
// rewritten; stores without a value log report false.
func (c *Compactor) RunGC(discardRatio float64) (bool, error) {
	gc, ok := c.storage.(gcRunner)
	if !ok {
		return false, nil
	}
	err := gc.RunGC(discardRatio)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
		return false, nil
	default:
		return false, fmt.Errorf("value log gc: %w", err)
	}
}
