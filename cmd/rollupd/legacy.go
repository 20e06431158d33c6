package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/server"
)

func newImportLegacyCommand(g *globals) *cobra.Command {
	var (
		uri          string
		database     string
		startDate    string
		endDate      string
		disableCheck bool
	)

	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Copy measures from the legacy document store into the raw bucket",
		Long: `import-legacy reads the legacy measure collection in id order and writes
every reading through the same writer as the bus. Readings already present
in the raw bucket are skipped unless --disable-check is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uri != "" {
				g.cfg.Legacy.URI = uri
			}
			if database != "" {
				g.cfg.Legacy.Database = database
			}
			if g.cfg.Legacy.URI == "" || g.cfg.Legacy.Database == "" {
				return errors.New("legacy store URI and database are required")
			}
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
			return runLegacyImport(ctx, g, ingest.LegacyOptions{
				Start:         start,
				End:           end,
				DisableCheck:  disableCheck,
				BatchInterval: g.cfg.Legacy.BatchInterval,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&uri, "uri", "", "legacy store connection URI")
	flags.StringVar(&database, "database", "", "legacy database name")
	flags.StringVar(&startDate, "start-date", "", "first measure to import (YYYY-MM-DD or RFC3339)")
	flags.StringVar(&endDate, "end-date", "", "last measure to import (YYYY-MM-DD or RFC3339)")
	flags.BoolVar(&disableCheck, "disable-check", false, "write without probing for duplicates")
	return cmd
}

func runLegacyImport(ctx context.Context, g *globals, opts ingest.LegacyOptions) error {
	log := g.log
	store, err := server.InitializeStorage(g.cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	app, err := server.New(g.cfg, store, server.Options{}, log)
	if err != nil {
		return err
	}
	if _, err := app.Inventory.Load(ctx, store); err != nil {
		return err
	}

	client, cur, err := ingest.OpenLegacy(ctx, g.cfg.Legacy.URI, g.cfg.Legacy.Database, opts.Start)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn("disconnect legacy store", zap.Error(err))
		}
	}()

	importer := ingest.NewLegacyImporter(app.Writer, app.Guard, opts, log)
	stats, err := importer.Import(ctx, cur)
	log.Info("legacy import finished",
		zap.Int("processed", stats.Processed),
		zap.Int("written", stats.Written),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Int("batches", stats.Batches))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
