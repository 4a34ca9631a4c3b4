package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// maxMinIntervalMs is the largest accepted threshold.
const maxMinIntervalMs = 1000

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDebounce(&c.Debounce)...)
	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateJournal(&c.Journal)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDebounce(d *DebounceConfig) ValidationErrors {
	var errs ValidationErrors

	if d.MinIntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "debounce.min_interval_ms",
			Message: "interval cannot be negative",
		})
	}
	if d.MinIntervalMs > maxMinIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "debounce.min_interval_ms",
			Message: fmt.Sprintf("interval cannot exceed %dms", maxMinIntervalMs),
		})
	}

	return errs
}

func validateInput(in *InputConfig) ValidationErrors {
	var errs ValidationErrors

	for i, dev := range in.Devices {
		if dev == "" || !filepath.IsAbs(dev) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("input.devices[%d]", i),
				Message: fmt.Sprintf("device must be an absolute path: %q", dev),
			})
		}
	}
	if strings.TrimSpace(in.DeviceName) == "" {
		errs = append(errs, ValidationError{
			Field:   "input.device_name",
			Message: "virtual device name is required",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "rotation limits cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}
	if j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "journal path is required when the journal is enabled",
		})
	}
	if j.FlushIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "journal.flush_interval_sec",
			Message: "flush interval must be at least 1 second",
		})
	}

	return errs
}
