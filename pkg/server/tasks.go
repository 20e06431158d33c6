package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyrollup/pkg/compaction"
	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/scheduler"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// compactionRetry bounds one cleanup run.
var compactionRetry = scheduler.RetryPolicy{Attempts: 4, Backoff: 30 * time.Second}

// RunCompaction applies retention once at startup and then every
// interval until ctx is done.
func (a *App) RunCompaction(ctx context.Context, interval time.Duration) {
	log := a.log.Named("tasks")
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()

	run := func() {
		op := func() error {
			report, err := a.Compactor.CompactAndCleanup(ctx)
			if err != nil {
				a.CompactionMonitor.RecordFailure(err)
				return err
			}
			a.CompactionMonitor.RecordSuccess(report)
			log.Info("retention applied",
				zap.Duration("took", report.Duration.Round(time.Millisecond)),
				zap.Int("buckets", len(report.Cutoffs)),
				zap.Bool("gc", report.GC))
			return nil
		}
		notify := func(attempt int, err error, next time.Duration) {
			log.Warn("retention cleanup failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}
		if err := compactionRetry.Do(ctx, a.clock, op, notify); err != nil && ctx.Err() == nil {
			log.Error("retention cleanup failed, will retry on next schedule", zap.Error(err))
		}
	}

	run()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			log.Debug("stopping retention cleanup")
			return
		}
	}
}

// RunBadgerGC reclaims value log space every interval between cleanups.
func (a *App) RunBadgerGC(ctx context.Context, interval time.Duration) {
	log := a.log.Named("tasks")
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := a.clock.Now()
			rewritten, err := a.Compactor.RunGC(compaction.DefaultDiscardRatio)
			if err != nil {
				log.Warn("value log gc failed", zap.Error(err))
				continue
			}
			log.Debug("value log gc done",
				zap.Bool("rewritten", rewritten),
				zap.Duration("took", a.clock.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			return
		}
	}
}

// Run starts every component and blocks until ctx is done or the
// scheduler stops. The scheduler's error is returned; the other
// components are stopped when it returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:         net.JoinHostPort("", a.cfg.Port),
		Handler:      a.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})

	a.Batcher.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := a.Batcher.Stop(flushCtx); err != nil {
			a.log.Error("final ingest flush failed", zap.Error(err))
		}
		return nil
	})

	if a.Subscriber != nil {
		g.Go(func() error {
			return a.Subscriber.Run(gctx)
		})
	}

	g.Go(func() error {
		a.RunCompaction(gctx, config.CompactionInterval)
		return nil
	})
	g.Go(func() error {
		a.RunBadgerGC(gctx, config.BadgerGCInterval)
		return nil
	})

	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	var schedErr error
	g.Go(func() error {
		// The scheduler ending, cleanly or not, ends the daemon.
		defer cancel()
		schedErr = a.Scheduler.Run(gctx)
		return nil
	})

	err := g.Wait()
	if schedErr != nil {
		return schedErr
	}
	return err
}
