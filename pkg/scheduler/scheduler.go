// Package scheduler drives the rollup cascade: it resumes from the last
// checkpoint, dispatches one cycle per window shortly after the window
// closes, catches up on missed windows and retries failing cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// DefaultDispatchDelay is how long after a window end its cycle starts,
// leaving late readings time to land.
const DefaultDispatchDelay = 10 * time.Second

var (
	// ErrNoCheckpoint means there is nothing to resume from and init mode
	// was not requested.
	ErrNoCheckpoint = errors.New("no checkpoint found in the hi-res tier, use init mode with a start date")

	// ErrStartInFuture rejects an init start date after now.
	ErrStartInFuture = errors.New("start date is in the future")
)

// Cascade is what the scheduler needs from the rollup engine.
type Cascade interface {
	Interval() time.Duration
	LastCheckpoint(ctx context.Context) (time.Time, bool, error)
	ResetWeighted(ctx context.Context, from time.Time) error
	RunCycle(ctx context.Context, windowEnd time.Time, progress *rollup.Progress) (*rollup.CycleResult, error)
	MarkRetry()
}

// Options controls how the loop starts and stops.
type Options struct {
	// Init rebuilds history from StartDate instead of resuming.
	Init bool

	// StartDate is the first window end in init mode. Zero means the first
	// day of next month, one year back.
	StartDate time.Time

	// EndDate stops the loop once window ends pass it. Zero runs forever.
	EndDate time.Time

	Retry RetryPolicy

	// DispatchDelay defaults to DefaultDispatchDelay; negative means none.
	DispatchDelay time.Duration
}

// RetryFunc is called before a failed cycle is retried.
type RetryFunc func(windowEnd time.Time, attempt int, err error)

// Scheduler runs cycles one after the other. It is not safe to call Run
// more than once concurrently.
type Scheduler struct {
	cascade Cascade
	opts    Options
	clock   clock.Clock
	log     *zap.Logger
	onRetry RetryFunc

	mu   sync.RWMutex
	next time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithRetryHook registers a callback for retried cycles.
func WithRetryHook(fn RetryFunc) Option {
	return func(s *Scheduler) { s.onRetry = fn }
}

// New creates a scheduler for c.
func New(c Cascade, opts Options, options ...Option) *Scheduler {
	if opts.Retry.Attempts == 0 && opts.Retry.Backoff == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	switch {
	case opts.DispatchDelay == 0:
		opts.DispatchDelay = DefaultDispatchDelay
	case opts.DispatchDelay < 0:
		opts.DispatchDelay = 0
	}
	s := &Scheduler{
		cascade: c,
		opts:    opts,
		clock:   clock.New(),
		log:     zap.NewNop(),
	}
	for _, o := range options {
		o(s)
	}
	s.log = s.log.Named("scheduler")
	return s
}

// Next returns the end of the next window to process, zero before Run
// has started.
func (s *Scheduler) Next() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

// DefaultStart returns the first day of next month, one year before now.
func DefaultStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year()-1, now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// alignUp truncates ts to the minute and moves it to the next interval
// boundary unless it already sits on one.
func alignUp(ts time.Time, interval time.Duration) time.Time {
	ts = ts.UTC().Truncate(time.Minute)
	if rollup.Aligned(ts, interval) {
		return ts
	}
	return rollup.NextBoundary(ts, interval)
}

// FirstWindow returns the end of the first window Run will process.
func (s *Scheduler) FirstWindow(ctx context.Context) (time.Time, error) {
	next, _, err := s.firstWindow(ctx)
	return next, err
}

// firstWindow also returns the cursor already covered: the checkpoint on
// resume, zero in init mode.
func (s *Scheduler) firstWindow(ctx context.Context) (next, cursor time.Time, err error) {
	interval := s.cascade.Interval()
	now := s.clock.Now().UTC()

	if s.opts.Init {
		start := s.opts.StartDate
		if start.IsZero() {
			start = DefaultStart(now)
		}
		start = alignUp(start, interval)
		if start.After(now) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrStartInFuture, start.Format(time.RFC3339))
		}
		return start, time.Time{}, nil
	}

	last, found, err := s.cascade.LastCheckpoint(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !found {
		return time.Time{}, time.Time{}, ErrNoCheckpoint
	}
	s.log.Info("resuming from checkpoint", zap.Time("checkpoint", last))
	return rollup.NextBoundary(last, interval), last, nil
}

// Run processes windows until ctx is done, the end date is passed or a
// cycle fails for good. A cancelled context is a clean shutdown and
// returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	next, cursor, err := s.firstWindow(ctx)
	if err != nil {
		return err
	}
	if s.opts.Init {
		s.log.Warn("init mode, rebuilding weighted tiers", zap.Time("start", next))
		if err := s.cascade.ResetWeighted(ctx, next); err != nil {
			return err
		}
	}

	interval := s.cascade.Interval()
	behind := false
	for {
		s.setNext(next)
		if !s.opts.EndDate.IsZero() && next.After(s.opts.EndDate) {
			s.log.Info("end date reached", zap.Time("end_date", s.opts.EndDate))
			return nil
		}

		now := s.clock.Now()
		dispatch := next.Add(s.opts.DispatchDelay)
		if wait := dispatch.Sub(now); wait > 0 {
			if behind {
				s.log.Info("back near current time, switching to regular operation")
				behind = false
			}
			s.log.Debug("waiting for next window", zap.Time("window_end", next), zap.Duration("wait", wait))
			if !s.sleep(ctx, wait) {
				s.log.Info("scheduler stopped")
				return nil
			}
		} else if now.Sub(next) > interval {
			if !behind {
				s.log.Info("behind current time, catching up", zap.Time("window_end", next))
			}
			behind = true
		}

		res, err := s.runWithRetry(ctx, next, cursor)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("scheduler stopped")
				return nil
			}
			return err
		}
		cursor = res.Cursor
		next = rollup.NextBoundary(cursor, interval)
	}
}

// runWithRetry runs one cycle under the retry budget. Progress is shared
// across attempts. Readings at or before cursor were handled by the
// previous cycle and are not fetched again.
func (s *Scheduler) runWithRetry(ctx context.Context, windowEnd, cursor time.Time) (*rollup.CycleResult, error) {
	progress := rollup.NewProgress().After(cursor)
	var res *rollup.CycleResult

	op := func() error {
		r, err := s.cascade.RunCycle(ctx, windowEnd, progress)
		if err != nil {
			var ce *rollup.ConsistencyError
			if errors.As(err, &ce) || errors.Is(err, rollup.ErrFutureWindow) {
				return backoff.Permanent(err)
			}
			s.cascade.MarkRetry()
			return err
		}
		res = r
		return nil
	}
	notify := func(attempt int, err error, next time.Duration) {
		s.log.Warn("cycle failed, retrying",
			zap.Time("window_end", windowEnd),
			zap.Int("attempt", attempt),
			zap.Int("budget", s.opts.Retry.Attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
		if s.onRetry != nil {
			s.onRetry(windowEnd, attempt, err)
		}
	}

	if err := s.opts.Retry.Do(ctx, s.clock, op, notify); err != nil {
		return nil, fmt.Errorf("cycle %s: %w", windowEnd.Format(time.RFC3339), err)
	}
	return res, nil
}

// sleep waits for d on the scheduler clock. It reports false when ctx
// ended first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
