// Package config handles configuration loading, validation, and management for dekeybounce.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
	"github.com/mchelnokov/dekeybounce/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Debounce holds the filter threshold.
	Debounce DebounceConfig `toml:"debounce" json:"debounce" yaml:"debounce"`

	// Input selects which keyboards are intercepted.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// Daemon holds process lifecycle settings.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics exposes Prometheus counters over HTTP.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Journal records aggregated per-key bounce counts.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// EnvFile is a dotenv file loaded before environment overrides apply.
	// Variables already present in the environment win.
	EnvFile string `toml:"env_file" json:"env_file" yaml:"env_file"`
}

// DebounceConfig holds the filter threshold.
type DebounceConfig struct {
	// MinIntervalMs is the shortest gap between a release and the next
	// press of the same key for the press to be genuine. 0 means the default.
	MinIntervalMs int `toml:"min_interval_ms" json:"min_interval_ms" yaml:"min_interval_ms"`
}

// InputConfig selects which keyboards are intercepted.
type InputConfig struct {
	// Devices lists evdev nodes to grab (Linux). Empty means every keyboard.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// Hotplug grabs keyboards connected after start (Linux).
	Hotplug bool `toml:"hotplug" json:"hotplug" yaml:"hotplug"`

	// DeviceName names the virtual keyboard that re-emits passed events (Linux).
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`
}

// DaemonConfig holds process lifecycle settings.
type DaemonConfig struct {
	// RequireRoot refuses to start unless the effective uid is 0.
	RequireRoot bool `toml:"require_root" json:"require_root" yaml:"require_root"`

	// RequireSupervised refuses to start unless the parent is init or launchd.
	RequireSupervised bool `toml:"require_supervised" json:"require_supervised" yaml:"require_supervised"`

	// PidFile is written on start and removed on exit. Empty disables it.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the HTTP address serving /metrics.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// JournalConfig holds the bounce journal settings.
type JournalConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// FlushIntervalSec is how often in-memory counts are written out.
	FlushIntervalSec int `toml:"flush_interval_sec" json:"flush_interval_sec" yaml:"flush_interval_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Debounce: DebounceConfig{
			MinIntervalMs: int(debounce.DefaultMinInterval / time.Millisecond),
		},
		Input: InputConfig{
			Devices:    []string{},
			Hotplug:    true,
			DeviceName: "dekeybounce virtual keyboard",
		},
		Daemon: DaemonConfig{
			RequireRoot:       true,
			RequireSupervised: true,
			PidFile:           filepath.Join(PlatformRuntimeDir(), "dekeybounce.pid"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
		Journal: JournalConfig{
			Enabled:          false,
			Path:             filepath.Join(DataDir(), "journal.db"),
			FlushIntervalSec: 60,
		},
	}
}

// MinInterval returns the debounce threshold. Zero or negative values
// map to the default.
func (c *Config) MinInterval() time.Duration {
	if c.Debounce.MinIntervalMs <= 0 {
		return debounce.DefaultMinInterval
	}
	return time.Duration(c.Debounce.MinIntervalMs) * time.Millisecond
}

// FlushInterval returns the journal flush period.
func (c *Config) FlushInterval() time.Duration {
	if c.Journal.FlushIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Journal.FlushIntervalSec) * time.Second
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() *logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		format = logging.FormatText
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "dekeybounce",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies DEKEYBOUNCE_* environment variables.
// Malformed numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DEKEYBOUNCE_MIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Debounce.MinIntervalMs = n
		}
	}

	if v := os.Getenv("DEKEYBOUNCE_DEVICES"); v != "" {
		c.Input.Devices = splitList(v)
	}
	envBool("DEKEYBOUNCE_HOTPLUG", &c.Input.Hotplug)

	if v := os.Getenv("DEKEYBOUNCE_PID_FILE"); v != "" {
		c.Daemon.PidFile = v
	}

	if v := os.Getenv("DEKEYBOUNCE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DEKEYBOUNCE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("DEKEYBOUNCE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}

	envBool("DEKEYBOUNCE_METRICS_ENABLED", &c.Metrics.Enabled)
	if v := os.Getenv("DEKEYBOUNCE_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	envBool("DEKEYBOUNCE_JOURNAL_ENABLED", &c.Journal.Enabled)
	if v := os.Getenv("DEKEYBOUNCE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Input.Devices = append([]string(nil), c.Input.Devices...)
	return &clone
}

// String summarizes the settings that matter when reading logs.
func (c *Config) String() string {
	return fmt.Sprintf("min_interval=%s devices=%v hotplug=%t metrics=%t journal=%t",
		c.MinInterval(), c.Input.Devices, c.Input.Hotplug, c.Metrics.Enabled, c.Journal.Enabled)
}
