package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchelnokov/dekeybounce/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 20*time.Millisecond, cfg.MinInterval())
	assert.Empty(t, cfg.Input.Devices)
	assert.True(t, cfg.Input.Hotplug)
	assert.True(t, cfg.Daemon.RequireRoot)
	assert.True(t, cfg.Daemon.RequireSupervised)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Journal.Enabled)
	assert.True(t, strings.HasSuffix(cfg.Daemon.PidFile, "dekeybounce.pid"))
	assert.NoError(t, cfg.Validate())
}

func TestMinIntervalZeroMeansDefault(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Debounce.MinIntervalMs = 0
	assert.Equal(t, 20*time.Millisecond, cfg.MinInterval())

	cfg.Debounce.MinIntervalMs = 35
	assert.Equal(t, 35*time.Millisecond, cfg.MinInterval())
}

func TestConfigPath(t *testing.T) {
	t.Setenv("DEKEYBOUNCE_CONFIG_DIR", "/tmp/dkb-conf")
	assert.Equal(t, "/tmp/dkb-conf/config.toml", ConfigPath())
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("DEKEYBOUNCE_DATA_DIR", "/tmp/dkb-data")
	assert.Equal(t, "/tmp/dkb-data", DataDir())
	assert.Equal(t, "/tmp/dkb-data/journal.db", DefaultConfig().Journal.Path)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Debounce, cfg.Debounce)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
[debounce]
min_interval_ms = 30

[input]
devices = ["/dev/input/event3"]
hotplug = false
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"debounce": {"min_interval_ms": 30}, "input": {"devices": ["/dev/input/event3"], "hotplug": false}}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
debounce:
  min_interval_ms: 30
input:
  devices: [/dev/input/event3]
  hotplug: false
`,
		},
		{
			name: "autodetect",
			file: "dekeybounce.conf",
			content: `
[debounce]
min_interval_ms = 30
[input]
devices = ["/dev/input/event3"]
hotplug = false
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, 30*time.Millisecond, cfg.MinInterval())
			assert.Equal(t, []string{"/dev/input/event3"}, cfg.Input.Devices)
			assert.False(t, cfg.Input.Hotplug)
			// Unset sections keep their defaults.
			assert.Equal(t, "info", cfg.Logging.Level)
			assert.Equal(t, "dekeybounce virtual keyboard", cfg.Input.DeviceName)
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[debounce\nmin_interval_ms = "), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[debounce]\nmin_interval_ms = -5\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "debounce.min_interval_ms", verrs[0].Field)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DEKEYBOUNCE_MIN_INTERVAL_MS", "45")
	t.Setenv("DEKEYBOUNCE_DEVICES", "/dev/input/event1, /dev/input/event2,")
	t.Setenv("DEKEYBOUNCE_HOTPLUG", "false")
	t.Setenv("DEKEYBOUNCE_LOG_LEVEL", "debug")
	t.Setenv("DEKEYBOUNCE_LOG_PATH", "/tmp/dkb.log")
	t.Setenv("DEKEYBOUNCE_METRICS_ENABLED", "true")
	t.Setenv("DEKEYBOUNCE_JOURNAL_ENABLED", "not-a-bool")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, 45*time.Millisecond, cfg.MinInterval())
	assert.Equal(t, []string{"/dev/input/event1", "/dev/input/event2"}, cfg.Input.Devices)
	assert.False(t, cfg.Input.Hotplug)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Logging.Output)
	assert.Equal(t, "/tmp/dkb.log", cfg.Logging.FilePath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Journal.Enabled, "malformed bool is ignored")
}

func TestLoadEnvFile(t *testing.T) {
	const key = "DEKEYBOUNCE_METRICS_LISTEN"
	_, had := os.LookupEnv(key)
	require.False(t, had, "%s must not be set for this test", key)
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dekeybounce.env"),
		[]byte(key+"=127.0.0.1:9999\n"), 0o600))
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("env_file = \"dekeybounce.env\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
}

func TestLoadMissingEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("env_file = \"absent.env\"\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "absent.env")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"interval too large", func(c *Config) { c.Debounce.MinIntervalMs = 5000 }, "debounce.min_interval_ms"},
		{"relative device", func(c *Config) { c.Input.Devices = []string{"event3"} }, "input.devices[0]"},
		{"empty device name", func(c *Config) { c.Input.DeviceName = " " }, "input.device_name"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"file without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"bad listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "9477" }, "metrics.listen"},
		{"journal no path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }, "journal.path"},
		{"journal interval", func(c *Config) { c.Journal.Enabled = true; c.Journal.FlushIntervalSec = 0 }, "journal.flush_interval_sec"},
		{"version", func(c *Config) { c.Version = 99 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDisabledSectionsSkipValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Listen = ""
	cfg.Journal.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Debounce.MinIntervalMs = 25
			cfg.Input.Devices = []string{"/dev/input/event5"}
			cfg.Journal.Enabled = true

			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Debounce, loaded.Debounce)
			assert.Equal(t, cfg.Input, loaded.Input)
			assert.Equal(t, cfg.Journal, loaded.Journal)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Debounce, again.Debounce)
}

func TestLoggerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 7

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(7), lc.MaxSize)
	assert.Equal(t, "dekeybounce", lc.Component)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input.Devices = []string{"/dev/input/event1"}

	clone := cfg.Clone()
	clone.Input.Devices[0] = "/dev/input/event9"

	assert.Equal(t, "/dev/input/event1", cfg.Input.Devices[0])
}
