package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/logging"
)

// globals is shared by every subcommand once the root has run.
type globals struct {
	configPath string
	debug      bool
	sim        bool

	cfg *config.Config
	log *zap.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "rollupd",
		Short:         "sensor rollup daemon",
		Long:          `rollupd aggregates raw sensor readings into fixed windows and keeps hi-res and low-res tiers up to date.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.log != nil {
				_ = g.log.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	flags.BoolVar(&g.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&g.sim, "sim", false, "simulate: read everything, write nothing")

	cmd.AddCommand(
		newRunCommand(g),
		newIngestCommand(g),
		newImportLegacyCommand(g),
		newExportCommand(g),
	)
	return cmd
}

// load reads the config, applies flag overrides and starts the logger.
func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = g.debug
	}
	if flags.Changed("sim") {
		cfg.Sim = g.sim
	}
	if interval, _ := flags.GetInt("interval"); flags.Changed("interval") {
		cfg.Rollup.IntervalMinutes = interval
	}
	if port, _ := flags.GetString("port"); flags.Changed("port") {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	g.cfg = cfg
	g.log = log
	return nil
}

// parseDate accepts a plain date or an RFC3339 timestamp. Plain dates are
// midnight UTC.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t.UTC(), nil
}
