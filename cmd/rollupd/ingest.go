package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/server"
)

func newIngestCommand(g *globals) *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Subscribe to the MQTT bus and write raw readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if broker != "" {
				g.cfg.MQTT.Broker = broker
			}
			if g.cfg.MQTT.Broker == "" {
				return errors.New("no MQTT broker configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIngest(ctx, g)
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker URL, overrides the config")
	return cmd
}

// runIngest runs the subscriber alone, without the cascade or the HTTP server.
func runIngest(ctx context.Context, g *globals) error {
	log := g.log
	store, err := server.InitializeStorage(g.cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	app, err := server.New(g.cfg, store, server.Options{Ingest: true}, log)
	if err != nil {
		return err
	}
	if _, err := app.Inventory.Load(ctx, store); err != nil {
		return err
	}

	app.Batcher.Start(ctx)
	runErr := app.Subscriber.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Batcher.Stop(flushCtx); err != nil {
		log.Error("final flush failed", zap.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	log.Info("ingest stopped", zap.Int64("flush_failures", app.Batcher.Failures()))
	return nil
}
