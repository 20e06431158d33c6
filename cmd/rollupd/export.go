package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/export"
	"github.com/nicktill/tinyrollup/pkg/server"
)

func newExportCommand(g *globals) *cobra.Command {
	var (
		bucket    string
		format    string
		startDate string
		endDate   string
		output    string
		archive   bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a bucket to a file, stdout or object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("invalid format %q, must be json or csv", format)
			}
			end, err := parseDate(endDate)
			if err != nil {
				return err
			}
			if end.IsZero() {
				end = time.Now().UTC()
			}
			start, err := parseDate(startDate)
			if err != nil {
				return err
			}
			if start.IsZero() {
				start = end.Add(-export.DefaultExportWindow)
			}
			if !start.Before(end) {
				return errors.New("start must be before end")
			}
			if bucket == "" {
				bucket = g.cfg.Buckets.HiRes
			}

			opts := export.ExportOptions{
				Bucket:      bucket,
				Measurement: g.cfg.Buckets.Measurement,
				Start:       start,
				End:         end,
				Format:      format,
			}
			return runExport(cmd, g, opts, output, archive)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&bucket, "bucket", "b", "", "bucket to export (default: the hi-res tier)")
	flags.StringVarP(&format, "format", "f", "json", "json or csv")
	flags.StringVar(&startDate, "start-date", "", "range start (default: 24h before end)")
	flags.StringVar(&endDate, "end-date", "", "range end (default: now)")
	flags.StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	flags.BoolVar(&archive, "archive", false, "upload to the configured object storage instead")
	return cmd
}

func runExport(cmd *cobra.Command, g *globals, opts export.ExportOptions, output string, archive bool) error {
	log := g.log
	store, err := server.InitializeStorage(g.cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	exporter := export.NewExporter(store)

	if archive {
		a := g.cfg.Archive
		archiver, err := export.NewArchiver(export.ArchiveConfig{
			Endpoint:  a.Endpoint,
			UseSSL:    a.UseSSL,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
		}, exporter, log)
		if err != nil {
			return err
		}
		key, _, err := archiver.Archive(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	result, err := exporter.Export(cmd.Context(), w, opts)
	if err != nil {
		return err
	}
	log.Info("export written",
		zap.String("bucket", result.Bucket),
		zap.Int("rows", result.RowsExported),
		zap.String("range", result.TimeRange))
	return nil
}
