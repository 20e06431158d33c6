package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/compaction"
	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/dedup"
	"github.com/nicktill/tinyrollup/pkg/export"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/scheduler"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/server/feed"
	"github.com/nicktill/tinyrollup/pkg/server/monitor"
	"github.com/nicktill/tinyrollup/pkg/storage"
	"github.com/nicktill/tinyrollup/pkg/storage/badger"
	"github.com/nicktill/tinyrollup/pkg/telemetry"
)

// InitializeStorage opens the Badger store under cfg.DataDir.
func InitializeStorage(cfg *config.Config, log *zap.Logger) (*badger.Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", zap.String("dir", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	return store, nil
}

// Options are the run settings given on the command line.
type Options struct {
	Init      bool
	StartDate time.Time
	EndDate   time.Time

	// Ingest starts the MQTT subscriber next to the cascade.
	Ingest bool

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// App holds every component of a running daemon.
type App struct {
	cfg     *config.Config
	opts    Options
	log     *zap.Logger
	clock   clock.Clock
	started time.Time

	Store     storage.Storage
	Cascade   *rollup.Cascade
	Scheduler *scheduler.Scheduler
	Guard     *dedup.Guard
	Inventory *ingest.Inventory

	// Writer writes straight to the store and serves replays. LiveWriter
	// goes through Batcher and serves the bus.
	Writer     *ingest.Writer
	LiveWriter *ingest.Writer
	Batcher    *ingest.Batcher
	Subscriber *ingest.Subscriber

	Compactor         *compaction.Compactor
	RollupMonitor     *monitor.RollupMonitor
	CompactionMonitor *monitor.CompactionMonitor
	StorageMonitor    *monitor.StorageMonitor
	Hub               *feed.Hub
	Metrics           *telemetry.Metrics
	Exports           *export.Handler
	Ingest            *ingest.Handler
}

// New wires the components over store.
func New(cfg *config.Config, store storage.Storage, opts Options, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	clk := opts.Clock

	app := &App{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		clock:   clk,
		started: clk.Now(),
		Store:   store,
		Hub:     feed.NewHub(log),
		Metrics: telemetry.New(),
	}

	tiers := rollup.DefaultTiers(cfg.Rollup.Interval(), cfg.Buckets.HiRes, cfg.Buckets.LoRes)
	tiers[0].Retention = cfg.Rollup.HiResRetention
	tiers[1].Retention = cfg.Rollup.LoResRetention

	app.RollupMonitor = monitor.NewRollupMonitor(cfg.Rollup.Interval(), nil, clk)
	agg := aggregate.New(
		aggregate.WithPrecision(cfg.Rollup.Precision),
		aggregate.WithExcludedKinds(cfg.Rollup.ExcludedKinds...),
	)
	cascade, err := rollup.New(store, rollup.Config{
		Measurement: cfg.Buckets.Measurement,
		RawBucket:   cfg.Buckets.Raw,
		Tiers:       tiers,
		Lookback:    cfg.Rollup.Lookback,
		Workers:     cfg.Rollup.Workers,
		Sim:         cfg.Sim,
	},
		rollup.WithClock(clk),
		rollup.WithLogger(log),
		rollup.WithAggregator(agg),
		rollup.WithObserver(app.RollupMonitor),
		rollup.WithObserver(app.Metrics),
		rollup.WithObserver(app.Hub),
	)
	if err != nil {
		return nil, fmt.Errorf("create cascade: %w", err)
	}
	app.Cascade = cascade
	app.RollupMonitor.Attach(cascade)

	app.Scheduler = scheduler.New(cascade, scheduler.Options{
		Init:      opts.Init,
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
		Retry: scheduler.RetryPolicy{
			Attempts: cfg.Rollup.RetryAttempts,
			Backoff:  cfg.Rollup.RetryBackoff,
		},
		DispatchDelay: cfg.Rollup.DispatchDelay,
	},
		scheduler.WithClock(clk),
		scheduler.WithLogger(log),
		scheduler.WithRetryHook(app.Metrics.ObserveRetry),
	)

	app.Guard = dedup.New(store, cfg.Buckets.Raw, cfg.Buckets.Measurement,
		dedup.WithTolerance(cfg.Ingest.DuplicateTolerance),
		dedup.WithLogger(log),
	)
	app.Inventory = ingest.NewInventory(store, cfg.Buckets.Inventory, clk)

	writerCfg := ingest.Config{
		Bucket:      cfg.Buckets.Raw,
		Measurement: cfg.Buckets.Measurement,
		Sim:         cfg.Sim,
	}
	writerOpts := []ingest.WriterOption{
		ingest.WithGuard(app.Guard),
		ingest.WithExtractor(sensor.TopicExtractor{Location: cfg.Ingest.Location}),
		ingest.WithInventory(app.Inventory),
		ingest.WithWriterClock(clk),
		ingest.WithWriterLogger(log),
		ingest.WithResultHook(app.Metrics.ObserveIngest),
	}
	app.Writer = ingest.NewWriter(store, writerCfg, writerOpts...)
	app.Batcher = ingest.NewBatcher(store, ingest.BatchConfig{
		MaxBatchSize: cfg.Ingest.BatchSize,
		FlushEvery:   cfg.Ingest.FlushEvery,
	}, log)
	app.LiveWriter = ingest.NewWriter(app.Batcher, writerCfg, writerOpts...)
	if opts.Ingest && cfg.MQTT.Broker != "" {
		app.Subscriber = ingest.NewSubscriber(ingest.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topics:   cfg.MQTT.Topics,
			QoS:      byte(cfg.MQTT.QoS),
		}, app.LiveWriter, log)
	}

	app.Compactor = compaction.New(store,
		compaction.Policies(cfg.Buckets.Raw, cfg.Buckets.RawRetention, tiers),
		compaction.WithClock(clk),
		compaction.WithLogger(log),
		compaction.WithSim(cfg.Sim),
	)
	app.CompactionMonitor = monitor.NewCompactionMonitor(config.CompactionInterval, clk)
	app.StorageMonitor = monitor.NewStorageMonitor(cfg.DataDir, clk)

	app.Exports = export.NewHandler(store, []string{cfg.Buckets.Raw, cfg.Buckets.HiRes, cfg.Buckets.LoRes}, log)
	app.Ingest = ingest.NewHandler(app.Writer)

	return app, nil
}

// Prepare loads the sensor inventory and the current checkpoint.
func (a *App) Prepare(ctx context.Context) error {
	n, err := a.Inventory.Load(ctx, a.Store)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	last, ok, err := a.Cascade.LastCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		a.RollupMonitor.SetCheckpoint(last)
	}
	a.log.Info("state loaded",
		zap.Int("sensors", n),
		zap.Bool("has_checkpoint", ok),
		zap.Time("checkpoint", last),
		zap.Bool("sim", a.cfg.Sim))
	return nil
}
