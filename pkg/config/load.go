package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROLLUP_"

// Config is the daemon configuration. Precedence: defaults, then the YAML
// file, then ROLLUP_* environment variables, then command line flags.
type Config struct {
	Port        string `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`
	Debug       bool   `yaml:"debug"`

	// Sim runs every component read-only.
	Sim bool `yaml:"sim"`

	Buckets Buckets `yaml:"buckets"`
	Rollup  Rollup  `yaml:"rollup"`
	Ingest  Ingest  `yaml:"ingest"`
	MQTT    MQTT    `yaml:"mqtt"`
	Legacy  Legacy  `yaml:"legacy"`
	Archive Archive `yaml:"archive"`
}

// Buckets names where each tier lives.
type Buckets struct {
	Raw         string `yaml:"raw"`
	HiRes       string `yaml:"hires"`
	LoRes       string `yaml:"lowres"`
	Inventory   string `yaml:"inventory"`
	Measurement string `yaml:"measurement"`

	// RawRetention deletes raw readings older than this. Zero keeps them.
	RawRetention time.Duration `yaml:"raw_retention"`
}

// Rollup configures the cascade and its scheduler.
type Rollup struct {
	IntervalMinutes int           `yaml:"interval_minutes"`
	HiResRetention  time.Duration `yaml:"hires_retention"`
	LoResRetention  time.Duration `yaml:"lowres_retention"`
	Lookback        time.Duration `yaml:"lookback"`
	Precision       int           `yaml:"precision"`
	Workers         int           `yaml:"workers"`
	ExcludedKinds   []string      `yaml:"excluded_kinds"`
	DispatchDelay   time.Duration `yaml:"dispatch_delay"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// Interval returns the hi-res interval.
func (r Rollup) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Ingest configures the raw writer.
type Ingest struct {
	Location           string        `yaml:"location"`
	DuplicateTolerance time.Duration `yaml:"duplicate_tolerance"`
	BatchSize          int           `yaml:"batch_size"`
	FlushEvery         time.Duration `yaml:"flush_every"`
}

// MQTT configures the bus subscriber.
type MQTT struct {
	Broker   string   `yaml:"broker"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Topics   []string `yaml:"topics"`
	QoS      int      `yaml:"qos"`
}

// Legacy locates the legacy measure database.
type Legacy struct {
	URI           string        `yaml:"uri"`
	Database      string        `yaml:"database"`
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// Archive configures the object store receiving exports.
type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		DataDir:     DefaultDataDir,
		MaxMemoryMB: DefaultMaxMemoryMB,
		Buckets: Buckets{
			Raw:         DefaultRawBucket,
			HiRes:       DefaultHiResBucket,
			LoRes:       DefaultLoResBucket,
			Inventory:   DefaultInventoryBucket,
			Measurement: DefaultMeasurement,
		},
		Rollup: Rollup{
			IntervalMinutes: DefaultIntervalMinutes,
			HiResRetention:  DefaultHiResRetention,
			LoResRetention:  DefaultLoResRetention,
			Lookback:        DefaultLookback,
			Precision:       DefaultPrecision,
			Workers:         DefaultWorkers,
			ExcludedKinds:   []string{"shutter"},
			DispatchDelay:   DefaultDispatchDelay,
			RetryAttempts:   DefaultRetryAttempts,
			RetryBackoff:    DefaultRetryBackoff,
		},
		Ingest: Ingest{
			Location:           DefaultLocation,
			DuplicateTolerance: DefaultDuplicateTolerance,
			BatchSize:          IngestBatchSize,
			FlushEvery:         IngestFlushEvery,
		},
		MQTT: MQTT{
			Topics: []string{"#"},
		},
		Legacy: Legacy{
			Database:      "legacy",
			BatchInterval: DefaultImportBatch,
		},
		Archive: Archive{
			Prefix: "rollup",
		},
	}
}

// Load builds the configuration from the defaults, the optional YAML file
// at path and the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ROLLUP_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.setString("PORT", &c.Port)
	e.setString("DATA_DIR", &c.DataDir)
	e.setInt64("MAX_MEMORY_MB", &c.MaxMemoryMB)
	e.setBool("DEBUG", &c.Debug)
	e.setBool("SIM", &c.Sim)

	e.setString("RAW_BUCKET", &c.Buckets.Raw)
	e.setString("HIRES_BUCKET", &c.Buckets.HiRes)
	e.setString("LOWRES_BUCKET", &c.Buckets.LoRes)
	e.setString("INVENTORY_BUCKET", &c.Buckets.Inventory)
	e.setString("MEASUREMENT", &c.Buckets.Measurement)
	e.setDuration("RAW_RETENTION", &c.Buckets.RawRetention)

	e.setInt("INTERVAL", &c.Rollup.IntervalMinutes)
	e.setDuration("HIRES_RETENTION", &c.Rollup.HiResRetention)
	e.setDuration("LOWRES_RETENTION", &c.Rollup.LoResRetention)
	e.setDuration("LOOKBACK", &c.Rollup.Lookback)
	e.setInt("PRECISION", &c.Rollup.Precision)
	e.setInt("WORKERS", &c.Rollup.Workers)
	e.setList("EXCLUDED_KINDS", &c.Rollup.ExcludedKinds)
	e.setDuration("DISPATCH_DELAY", &c.Rollup.DispatchDelay)
	e.setInt("RETRY_ATTEMPTS", &c.Rollup.RetryAttempts)
	e.setDuration("RETRY_BACKOFF", &c.Rollup.RetryBackoff)

	e.setString("LOCATION", &c.Ingest.Location)
	e.setDuration("DUPLICATE_TOLERANCE", &c.Ingest.DuplicateTolerance)

	e.setString("MQTT_BROKER", &c.MQTT.Broker)
	e.setString("MQTT_USERNAME", &c.MQTT.Username)
	e.setString("MQTT_PASSWORD", &c.MQTT.Password)
	e.setList("MQTT_TOPICS", &c.MQTT.Topics)

	e.setString("LEGACY_URI", &c.Legacy.URI)
	e.setString("LEGACY_DATABASE", &c.Legacy.Database)

	e.setString("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	e.setString("ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	e.setString("ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)
	e.setString("ARCHIVE_BUCKET", &c.Archive.Bucket)

	return e.errs.ErrorOrNil()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	iv := c.Rollup.IntervalMinutes
	if iv < 1 || iv > 60 || 60%iv != 0 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.interval_minutes must divide 60, got %d", iv))
	}
	if c.Rollup.HiResRetention <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.hires_retention must be positive"))
	}
	if c.Rollup.LoResRetention <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.lowres_retention must be positive"))
	}
	if c.Rollup.Lookback <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.lookback must be positive"))
	}
	if c.Rollup.Precision < 0 || c.Rollup.Precision > 9 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.precision must be within 0..9, got %d", c.Rollup.Precision))
	}
	if c.Rollup.Workers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.workers must be at least 1"))
	}
	if c.Rollup.RetryAttempts < 1 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.retry_attempts must be at least 1"))
	}
	if c.Rollup.RetryBackoff < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rollup.retry_backoff cannot be negative"))
	}
	if c.Ingest.DuplicateTolerance < 0 {
		errs = multierror.Append(errs, fmt.Errorf("ingest.duplicate_tolerance cannot be negative"))
	}
	if c.Buckets.RawRetention < 0 {
		errs = multierror.Append(errs, fmt.Errorf("buckets.raw_retention cannot be negative"))
	}

	seen := make(map[string]string)
	for name, b := range map[string]string{
		"raw": c.Buckets.Raw, "hires": c.Buckets.HiRes, "lowres": c.Buckets.LoRes, "inventory": c.Buckets.Inventory,
	} {
		if b == "" {
			errs = multierror.Append(errs, fmt.Errorf("buckets.%s is required", name))
			continue
		}
		if other, dup := seen[b]; dup {
			errs = multierror.Append(errs, fmt.Errorf("buckets.%s and buckets.%s share bucket %q", name, other, b))
		}
		seen[b] = name
	}
	if c.Buckets.Measurement == "" {
		errs = multierror.Append(errs, fmt.Errorf("buckets.measurement is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = multierror.Append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}

	return errs.ErrorOrNil()
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   *multierror.Error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = multierror.Append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, err))
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
