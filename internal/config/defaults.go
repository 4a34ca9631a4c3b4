package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// The daemon runs as root, so its paths are system-wide rather than
// per-user.

// ConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS: /Library/Application Support/dekeybounce/
//   - Linux: /etc/dekeybounce/
func ConfigDir() string {
	if dir := os.Getenv("DEKEYBOUNCE_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join("/Library", "Application Support", "dekeybounce")
	default:
		return filepath.Join("/etc", "dekeybounce")
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DataDir returns the platform-specific state directory.
//
// Platform paths:
//   - macOS: /Library/Application Support/dekeybounce/
//   - Linux: /var/lib/dekeybounce/
func DataDir() string {
	if dir := os.Getenv("DEKEYBOUNCE_DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join("/Library", "Application Support", "dekeybounce")
	default:
		return filepath.Join("/var", "lib", "dekeybounce")
	}
}

// PlatformRuntimeDir returns the directory for the pid file.
//
// Platform paths:
//   - macOS: /var/run/
//   - Linux: /run/
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/var/run"
	default:
		return "/run"
	}
}
