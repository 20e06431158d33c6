package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// ErrFutureWindow is returned when asked to aggregate a window that has not ended.
var ErrFutureWindow = errors.New("window ends in the future")

// Config describes where the cascade reads and writes.
type Config struct {
	Measurement string
	RawBucket   string
	Tiers       Tiers

	// Lookback bounds the checkpoint search in the hi-res tier.
	Lookback time.Duration

	// Workers is the number of sensors merged in parallel.
	Workers int

	// Sim disables every write.
	Sim bool
}

// Cascade runs rollup cycles: raw window -> hi-res records -> weighted tiers.
type Cascade struct {
	cfg       Config
	store     storage.Storage
	fetcher   *Fetcher
	agg       *aggregate.Aggregator
	clock     clock.Clock
	log       *zap.Logger
	observers []Observer

	locks keyLock
	state atomic.Int32
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Cascade) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cascade) { c.log = log }
}

// WithAggregator replaces the default aggregator.
func WithAggregator(a *aggregate.Aggregator) Option {
	return func(c *Cascade) { c.agg = a }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Cascade) { c.observers = append(c.observers, o) }
}

// New creates a cascade over store.
func New(store storage.Storage, cfg Config, opts ...Option) (*Cascade, error) {
	if err := cfg.Tiers.Validate(); err != nil {
		return nil, err
	}
	if cfg.RawBucket == "" {
		return nil, fmt.Errorf("raw bucket is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}

	c := &Cascade{
		cfg:     cfg,
		store:   store,
		fetcher: NewFetcher(store),
		agg:     aggregate.New(),
		clock:   clock.New(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("rollup")
	return c, nil
}

// State returns the current phase.
func (c *Cascade) State() State {
	return State(c.state.Load())
}

// MarkRetry records that the current cycle failed and will be retried.
func (c *Cascade) MarkRetry() {
	c.setState(StateErrorRetry)
}

func (c *Cascade) setState(s State) {
	c.state.Store(int32(s))
}

// Tiers returns the configured tiers.
func (c *Cascade) Tiers() Tiers { return c.cfg.Tiers }

// Interval returns the hi-res window length.
func (c *Cascade) Interval() time.Duration { return c.cfg.Tiers.HiRes().Resolution }

// ComputeNextBoundary returns the first window end strictly after now.
func (c *Cascade) ComputeNextBoundary(now time.Time) time.Time {
	return NextBoundary(now, c.Interval())
}

// LastCheckpoint returns the newest hi-res record time within the lookback.
func (c *Cascade) LastCheckpoint(ctx context.Context) (time.Time, bool, error) {
	now := c.clock.Now()
	tables, err := c.store.Query(ctx, storage.QueryRequest{
		Bucket:      c.cfg.Tiers.HiRes().Bucket,
		Measurement: c.cfg.Measurement,
		Start:       now.Add(-c.cfg.Lookback),
		End:         now.Add(time.Second),
		Fields:      []string{aggregate.FieldAvg},
		Directives:  []string{storage.DirectiveLast},
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var last time.Time
	for _, t := range tables {
		for _, row := range t.Rows {
			if row.Time.After(last) {
				last = row.Time
			}
		}
	}
	return last, !last.IsZero(), nil
}

// ResetWeighted deletes weighted tier data from the bucket containing from
// onwards. Used before rebuilding history.
func (c *Cascade) ResetWeighted(ctx context.Context, from time.Time) error {
	for _, t := range c.cfg.Tiers[1:] {
		start := t.Start(from)
		if c.cfg.Sim {
			c.log.Info("sim mode, not clearing tier", zap.String("tier", t.Name), zap.Time("from", start))
			continue
		}
		c.log.Warn("clearing tier", zap.String("tier", t.Name), zap.String("bucket", t.Bucket), zap.Time("from", start))
		if err := c.store.Delete(ctx, storage.DeleteRequest{
			Bucket:      t.Bucket,
			Measurement: c.cfg.Measurement,
			Start:       start,
		}); err != nil {
			return fmt.Errorf("clear tier %s: %w", t.Name, err)
		}
	}
	return nil
}

// Progress is the state one cycle carries across its retries: which
// (tier, sensor) accumulators it already merged, so a retry never folds
// the same record twice, and the cursor of the cycle before it.
type Progress struct {
	mu    sync.Mutex
	done  map[string]bool
	after time.Time
}

// NewProgress returns an empty progress tracker.
func NewProgress() *Progress {
	return &Progress{done: make(map[string]bool)}
}

// After records the cursor of the previous cycle. The window of a cycle
// never starts at or before it.
func (p *Progress) After(cursor time.Time) *Progress {
	p.after = cursor
	return p
}

func (p *Progress) floor() time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.after
}

func (p *Progress) merged(key string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[key]
}

func (p *Progress) markMerged(key string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[key] = true
}

// plan computes the fetched window of the cycle ending at windowEnd.
// Windows past hi-res retention are widened to the rest of their day. A
// window is clipped so it starts after the previous cursor: after a
// whole-day catch-up the next regular window would otherwise reach back
// into the day already read.
func (c *Cascade) plan(windowEnd, now, after time.Time) *CycleResult {
	res := &CycleResult{Stamp: windowEnd, Cursor: windowEnd}
	if c.cfg.Tiers.HiRes().Expired(windowEnd, now) {
		res.CatchUp = true
		res.WindowStart = windowEnd
		res.Cursor = endOfDay(windowEnd)
		res.WindowEnd = res.Cursor.Add(time.Second)
	} else {
		res.WindowStart = windowEnd.Add(-c.Interval() + time.Second)
		res.WindowEnd = windowEnd.Add(time.Second)
	}
	if !after.IsZero() && !res.WindowStart.After(after) {
		res.WindowStart = after.Add(time.Second)
	}
	return res
}

// RunOneCycle aggregates the window ending at windowEnd.
func (c *Cascade) RunOneCycle(ctx context.Context, windowEnd time.Time) (*CycleResult, error) {
	return c.RunCycle(ctx, windowEnd, nil)
}

// RunCycle is RunOneCycle with progress shared across retries of one cycle.
func (c *Cascade) RunCycle(ctx context.Context, windowEnd time.Time, progress *Progress) (*CycleResult, error) {
	res, err := c.runCycle(ctx, windowEnd.UTC().Truncate(time.Second), progress)
	for _, o := range c.observers {
		o.CycleFinished(res, err)
	}
	if err == nil {
		c.setState(StateIdle)
	}
	return res, err
}

func (c *Cascade) runCycle(ctx context.Context, windowEnd time.Time, progress *Progress) (*CycleResult, error) {
	now := c.clock.Now()
	if windowEnd.After(now) {
		return nil, fmt.Errorf("%w: %s > %s", ErrFutureWindow, windowEnd.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	res := c.plan(windowEnd, now, progress.floor())
	if !res.WindowStart.Before(res.WindowEnd) {
		res.Outcome = OutcomeSkippedEmpty
		return res, nil
	}

	c.setState(StateFetching)
	tables, err := c.fetcher.Fetch(ctx, WindowRequest{
		Bucket:      c.cfg.RawBucket,
		Measurement: c.cfg.Measurement,
		Start:       res.WindowStart,
		End:         res.WindowEnd,
		Fields:      []string{sensor.FieldValue, sensor.FieldUnits},
	})
	if err != nil {
		return res, err
	}
	if len(tables) == 0 {
		res.Outcome = OutcomeSkippedEmpty
		c.log.Debug("empty window", zap.Time("window_end", windowEnd))
		return res, nil
	}

	c.setState(StateAggregating)
	records := c.aggregateTables(tables, res)

	c.setState(StateWritingHiRes)
	if err := c.writeHiRes(ctx, records, res, now); err != nil {
		return res, err
	}

	c.setState(StateMergingLoRes)
	if err := c.mergeWeighted(ctx, records, res, now, progress); err != nil {
		return res, err
	}

	c.log.Info("cycle done",
		zap.Time("window_end", windowEnd),
		zap.Bool("catch_up", res.CatchUp),
		zap.Int("groups", res.Groups),
		zap.Int("written", res.Written),
		zap.Int("merged", res.Merged),
		zap.Int("skipped", res.Skipped),
		zap.Int("discarded", res.Discarded))
	return res, nil
}

func (c *Cascade) aggregateTables(tables []TableGroup, res *CycleResult) []*aggregate.Record {
	// A sensor whose value changed type inside the window lands in more
	// than one table; it is skipped once as a whole.
	seen := make(map[string]int)
	for _, t := range tables {
		for _, g := range t.Groups {
			seen[g.Identity.Key()]++
		}
	}
	reported := make(map[string]bool)

	var records []*aggregate.Record
	for _, t := range tables {
		for _, g := range t.Groups {
			key := g.Identity.Key()
			if seen[key] > 1 {
				if reported[key] {
					continue
				}
				reported[key] = true
				res.Groups++
				res.Skipped++
				err := fmt.Errorf("%w: %s has %d value types in one window",
					aggregate.ErrShapeMismatch, g.Identity, seen[key])
				res.Structural = multierror.Append(res.Structural, err)
				c.log.Warn("sensor group skipped", zap.String("sensor", g.Identity.String()), zap.Error(err))
				continue
			}
			res.Groups++
			rec, err := c.agg.Aggregate(g.Readings)
			if err != nil {
				res.Skipped++
				res.Structural = multierror.Append(res.Structural, err)
				c.log.Warn("sensor group skipped",
					zap.String("sensor", g.Identity.String()),
					zap.String("table", t.Format),
					zap.Error(err))
				continue
			}
			if rec == nil {
				res.Excluded++
				continue
			}
			rec.Time = res.Stamp
			records = append(records, rec)
		}
	}
	return records
}

func (c *Cascade) writeHiRes(ctx context.Context, records []*aggregate.Record, res *CycleResult, now time.Time) error {
	tier := c.cfg.Tiers.HiRes()
	if tier.Expired(res.Stamp, now) {
		res.Discarded += len(records)
		c.log.Debug("hi-res records past retention, not written",
			zap.Time("window_end", res.Stamp), zap.Int("records", len(records)))
		return nil
	}

	points := make([]storage.Point, 0, len(records))
	for _, rec := range records {
		p, err := rec.ToPoint(c.cfg.Measurement)
		if err != nil {
			return fmt.Errorf("encode hi-res record for %s: %w", rec.Identity, err)
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil
	}

	if c.cfg.Sim {
		c.log.Info("sim mode, hi-res records not written", zap.Int("records", len(points)))
		return nil
	}
	if err := c.store.Write(ctx, tier.Bucket, points); err != nil {
		return fmt.Errorf("write %s: %w", tier.Name, err)
	}
	res.Written += len(points)
	for _, rec := range records {
		c.notify(tier, rec)
	}
	return nil
}

func (c *Cascade) mergeWeighted(ctx context.Context, records []*aggregate.Record, res *CycleResult, now time.Time, progress *Progress) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			for _, tier := range c.cfg.Tiers[1:] {
				key := tier.Name + "|" + rec.Identity.Key()
				if progress.merged(key) {
					continue
				}
				merged, err := c.mergeInto(gctx, tier, rec, now)
				if err != nil {
					return err
				}
				progress.markMerged(key)
				mu.Lock()
				if merged {
					res.Merged++
				} else {
					res.Discarded++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// mergeInto folds rec into the tier accumulator of its sensor. It reports
// false when the accumulator is past retention and nothing was written.
func (c *Cascade) mergeInto(ctx context.Context, tier Tier, rec *aggregate.Record, now time.Time) (bool, error) {
	start := tier.Start(rec.Time)
	if tier.Expired(start, now) {
		return false, nil
	}

	unlock := c.locks.lock(tier.Bucket + "|" + rec.Identity.Key() + "|" + start.Format(time.RFC3339))
	defer unlock()

	tables, err := c.store.Query(ctx, storage.QueryRequest{
		Bucket:      tier.Bucket,
		Measurement: c.cfg.Measurement,
		Start:       start,
		End:         start.Add(time.Second),
		Tags:        storage.MatchTags(rec.Identity, sensor.IdentityTags),
		Fields:      aggregate.RecordFields,
	})
	if err != nil {
		return false, fmt.Errorf("read %s accumulator: %w", tier.Name, err)
	}

	var rows []storage.Point
	for _, t := range tables {
		rows = append(rows, t.Rows...)
	}

	var acc *aggregate.Record
	switch len(rows) {
	case 0:
		acc = aggregate.Seed(rec)
	case 1:
		existing, err := aggregate.FromPoint(rows[0])
		if err != nil {
			return false, fmt.Errorf("decode %s accumulator for %s: %w", tier.Name, rec.Identity, err)
		}
		acc, err = c.agg.Merge(existing, rec)
		if err != nil {
			return false, fmt.Errorf("merge %s accumulator for %s: %w", tier.Name, rec.Identity, err)
		}
	default:
		return false, &ConsistencyError{Tier: tier.Name, Identity: rec.Identity, Start: start, Rows: len(rows)}
	}
	acc.Time = start
	acc.Identity = rec.Identity

	if c.cfg.Sim {
		return true, nil
	}
	p, err := acc.ToPoint(c.cfg.Measurement)
	if err != nil {
		return false, fmt.Errorf("encode %s accumulator for %s: %w", tier.Name, rec.Identity, err)
	}
	if err := c.store.Write(ctx, tier.Bucket, []storage.Point{p}); err != nil {
		return false, fmt.Errorf("write %s: %w", tier.Name, err)
	}
	c.notify(tier, acc)
	return true, nil
}

func (c *Cascade) notify(tier Tier, rec *aggregate.Record) {
	for _, o := range c.observers {
		o.RecordWritten(tier, rec)
	}
}
