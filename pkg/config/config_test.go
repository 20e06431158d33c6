package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Rollup.Interval())
	assert.Equal(t, []string{"shutter"}, cfg.Rollup.ExcludedKinds)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
buckets:
  raw: campus
  hires: campus_5m
rollup:
  interval_minutes: 15
  retry_backoff: 30s
  excluded_kinds: [shutter, door]
mqtt:
  broker: tcp://broker:1883
`), 0o600))

	t.Setenv("ROLLUP_WORKERS", "8")
	t.Setenv("ROLLUP_MQTT_TOPICS", "u4/#, outside/#")
	t.Setenv("ROLLUP_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, "campus", cfg.Buckets.Raw)
	assert.Equal(t, "campus_5m", cfg.Buckets.HiRes)
	assert.Equal(t, DefaultLoResBucket, cfg.Buckets.LoRes)
	assert.Equal(t, 15, cfg.Rollup.IntervalMinutes)
	assert.Equal(t, 30*time.Second, cfg.Rollup.RetryBackoff)
	assert.Equal(t, []string{"shutter", "door"}, cfg.Rollup.ExcludedKinds)
	assert.Equal(t, 8, cfg.Rollup.Workers)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, []string{"u4/#", "outside/#"}, cfg.MQTT.Topics)
}

func TestLoad_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rollup:\n  intervall: 5\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"ROLLUP_INTERVAL":      "five",
		"ROLLUP_RETRY_BACKOFF": "10",
		"ROLLUP_SIM":           "true",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.True(t, cfg.Sim)
	assert.Equal(t, DefaultIntervalMinutes, cfg.Rollup.IntervalMinutes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{"interval not dividing an hour", func(c *Config) { c.Rollup.IntervalMinutes = 7 }, 1},
		{"interval zero", func(c *Config) { c.Rollup.IntervalMinutes = 0 }, 1},
		{"interval too large", func(c *Config) { c.Rollup.IntervalMinutes = 120 }, 1},
		{"hourly interval", func(c *Config) { c.Rollup.IntervalMinutes = 60 }, 0},
		{"precision", func(c *Config) { c.Rollup.Precision = 12 }, 1},
		{"retry budget", func(c *Config) { c.Rollup.RetryAttempts = 0 }, 1},
		{"negative backoff", func(c *Config) { c.Rollup.RetryBackoff = -time.Second }, 1},
		{"negative tolerance", func(c *Config) { c.Ingest.DuplicateTolerance = -time.Second }, 1},
		{"shared bucket", func(c *Config) { c.Buckets.LoRes = c.Buckets.HiRes }, 1},
		{"missing bucket", func(c *Config) { c.Buckets.Raw = "" }, 1},
		{"several", func(c *Config) {
			c.Rollup.HiResRetention = 0
			c.Rollup.LoResRetention = 0
			c.Rollup.Workers = 0
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errs == 0 {
				require.NoError(t, err)
				return
			}
			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tt.errs)
		})
	}
}
