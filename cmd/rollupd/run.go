package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/scheduler"
	"github.com/nicktill/tinyrollup/pkg/server"
)

func newRunCommand(g *globals) *cobra.Command {
	var (
		initMode  bool
		ingest    bool
		startDate string
		endDate   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rollup cascade and the HTTP server",
		Long: `Run resumes from the newest hi-res record and aggregates every window
until stopped. With --init the weighted tier is rebuilt from --start-date
(default: the first day of next month, one year back).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseDate(startDate)
			if err != nil {
				return err
			}
			end, err := parseDate(endDate)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, g, server.Options{
				Init:      initMode,
				StartDate: start,
				EndDate:   end,
				Ingest:    ingest,
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&initMode, "init", false, "rebuild the weighted tier starting at --start-date")
	flags.StringVar(&startDate, "start-date", "", "first window in init mode (YYYY-MM-DD or RFC3339)")
	flags.StringVar(&endDate, "end-date", "", "stop after this window (YYYY-MM-DD or RFC3339)")
	flags.BoolVar(&ingest, "ingest", false, "also subscribe to the MQTT bus")
	flags.Int("interval", 0, "aggregation interval in minutes")
	flags.String("port", "", "HTTP listen port")
	return cmd
}

func runDaemon(ctx context.Context, g *globals, opts server.Options) error {
	log := g.log
	log.Info("starting rollupd",
		zap.String("version", server.Version),
		zap.Duration("interval", g.cfg.Rollup.Interval()),
		zap.Bool("init", opts.Init),
		zap.Bool("sim", g.cfg.Sim))

	store, err := server.InitializeStorage(g.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close storage", zap.Error(err))
		}
	}()

	app, err := server.New(g.cfg, store, opts, log)
	if err != nil {
		return err
	}
	if err := app.Prepare(ctx); err != nil {
		return err
	}

	err = app.Run(ctx)
	switch {
	case errors.Is(err, scheduler.ErrNoCheckpoint):
		log.Error("nothing to resume, start once with --init", zap.Error(err))
		return err
	case err != nil:
		log.Error("rollupd stopped", zap.Error(err))
		return err
	}
	log.Info("rollupd stopped")
	return nil
}
