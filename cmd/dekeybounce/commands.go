package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mchelnokov/dekeybounce/internal/config"
	"github.com/mchelnokov/dekeybounce/internal/daemon"
	"github.com/mchelnokov/dekeybounce/internal/journal"
	"github.com/mchelnokov/dekeybounce/internal/keystroke"
	"github.com/mchelnokov/dekeybounce/internal/logging"
)

// Global is shared state handed to every command.
type Global struct {
	Stdout io.Writer
}

// CLI is the command line. run is the default command.
type CLI struct {
	ConfigPath  string `name:"config" short:"c" help:"Configuration file path (default: platform config dir)" type:"path"`
	Verbose     bool   `short:"v" help:"Enable debug logging"`
	MinInterval *int   `name:"min-interval" help:"Debounce threshold in milliseconds; overrides the config file, 0 selects the default" placeholder:"MS"`
	Foreground  bool   `short:"f" help:"Allow running outside init or launchd"`

	Run     RunCmd     `cmd:"" default:"1" help:"Filter keyboard input until terminated"`
	Check   CheckCmd   `cmd:"" help:"Verify privileges and keyboard access, then exit"`
	Report  ReportCmd  `cmd:"" help:"Print swallowed event counts from the journal"`
	Config  ConfigCmd  `cmd:"" help:"Manage the configuration file"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// AfterApply rejects flag values the config validator would also reject.
func (c *CLI) AfterApply() error {
	if c.MinInterval != nil && *c.MinInterval < 0 {
		return errors.New("--min-interval cannot be negative")
	}
	return nil
}

func (c *CLI) path() string {
	if c.ConfigPath != "" {
		return c.ConfigPath
	}
	return config.ConfigPath()
}

// load reads the configuration and applies command line overrides.
func (c *CLI) load() (*config.Config, error) {
	cfg, err := config.Load(c.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.MinInterval != nil {
		cfg.Debounce.MinIntervalMs = *c.MinInterval
	}
	if c.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CLI) requirements(cfg *config.Config) daemon.Requirements {
	return daemon.Requirements{
		Root:       cfg.Daemon.RequireRoot,
		Supervised: cfg.Daemon.RequireSupervised && !c.Foreground,
	}
}

// RunCmd implements the 'run' command.
type RunCmd struct{}

func (r *RunCmd) Run(_ *Global, cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if err := daemon.Preflight(cli.requirements(cfg)); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info("starting", "version", version, "config", cfg.String())
	d := daemon.New(cfg, daemon.WithLogger(logger.Logger))
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// signalContext is cancelled by SIGINT or SIGTERM. SIGHUP and SIGPIPE are
// ignored, so a lost terminal or a reload request leaves the filter running.
func signalContext() (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// CheckCmd implements the 'check' command.
type CheckCmd struct{}

func (c *CheckCmd) Run(g *Global, cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	src := keystroke.New(keystroke.Options{
		Devices:     cfg.Input.Devices,
		Hotplug:     cfg.Input.Hotplug,
		VirtualName: cfg.Input.DeviceName,
	})
	return runCheck(g.Stdout, daemon.Preflight(cli.requirements(cfg)), src)
}

// runCheck prints one line per check and fails if any did.
func runCheck(w io.Writer, preflight error, src keystroke.Source) error {
	var failed []error

	if preflight != nil {
		fmt.Fprintf(w, "privileges:   FAIL  %v\n", preflight)
		failed = append(failed, preflight)
	} else {
		fmt.Fprintln(w, "privileges:   ok")
	}

	if ok, reason := src.Available(); ok {
		fmt.Fprintf(w, "interception: ok    %s\n", reason)
	} else {
		err := fmt.Errorf("%w: %s", keystroke.ErrNotAvailable, reason)
		fmt.Fprintf(w, "interception: FAIL  %s\n", reason)
		failed = append(failed, err)
	}

	return errors.Join(failed...)
}

// ReportCmd implements the 'report' command.
type ReportCmd struct {
	Journal string `help:"Journal database (default: from config)" type:"path"`
	Top     int    `short:"n" help:"Show only the N noisiest keys (0 for all)" default:"0"`
	Runs    bool   `help:"List daemon runs as well"`
}

func (r *ReportCmd) Run(g *Global, cli *CLI) error {
	path := r.Journal
	if path == "" {
		cfg, err := cli.load()
		if err != nil {
			return err
		}
		path = cfg.Journal.Path
	}

	sum, err := journal.Report(path)
	if errors.Is(err, journal.ErrNoJournal) {
		fmt.Fprintf(g.Stdout, "No journal at %s. Enable [journal] in the configuration.\n", path)
		return nil
	}
	if err != nil {
		return err
	}
	printReport(g.Stdout, sum, r.Top, r.Runs)
	return nil
}

func printReport(w io.Writer, sum *journal.Summary, top int, withRuns bool) {
	if withRuns {
		fmt.Fprintf(w, "Runs: %d\n", len(sum.Runs))
		for _, run := range sum.Runs {
			ended := "running"
			if !run.EndedAt.IsZero() {
				ended = run.EndedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "  %s  %s -> %-19s  min_interval=%s\n",
				shortID(run.ID), run.StartedAt.Local().Format(time.DateTime), ended, run.MinInterval)
		}
		fmt.Fprintln(w)
	}

	keys := sum.Keys
	if top > 0 && len(keys) > top {
		keys = keys[:top]
	}
	if len(keys) == 0 {
		fmt.Fprintln(w, "No bounces recorded.")
		return
	}

	fmt.Fprintf(w, "%-6s %8s %8s %8s  %s\n", "KEY", "PRESSES", "RELEASES", "TOTAL", "LAST SEEN")
	for _, k := range keys {
		fmt.Fprintf(w, "%-6d %8d %8d %8d  %s\n",
			k.Key, k.SwallowedPresses, k.SwallowedReleases, k.Total(),
			k.LastSeen.Local().Format(time.DateTime))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ConfigCmd groups configuration subcommands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a default configuration file"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
}

// ConfigInitCmd implements 'config init'.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination (default: --config or the platform path)" type:"path"`
	Force bool   `help:"Overwrite an existing file"`
}

func (c *ConfigInitCmd) Run(g *Global, cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.path()
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(g.Stdout, "Wrote %s\n", path)
	return nil
}

// ConfigShowCmd implements 'config show'.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *Global, cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Stdout, "config:       %s\n", cli.path())
	fmt.Fprintf(g.Stdout, "min_interval: %s\n", cfg.MinInterval())
	fmt.Fprintf(g.Stdout, "devices:      %v\n", cfg.Input.Devices)
	fmt.Fprintf(g.Stdout, "hotplug:      %t\n", cfg.Input.Hotplug)
	fmt.Fprintf(g.Stdout, "pid_file:     %s\n", cfg.Daemon.PidFile)
	fmt.Fprintf(g.Stdout, "log:          %s %s %s\n", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(g.Stdout, "metrics:      %s\n", cfg.Metrics.Listen)
	} else {
		fmt.Fprintln(g.Stdout, "metrics:      disabled")
	}
	if cfg.Journal.Enabled {
		fmt.Fprintf(g.Stdout, "journal:      %s (flush %s)\n", cfg.Journal.Path, cfg.FlushInterval())
	} else {
		fmt.Fprintln(g.Stdout, "journal:      disabled")
	}
	return nil
}

// VersionCmd implements the 'version' command.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Global, _ *CLI) error {
	fmt.Fprintf(g.Stdout, "dekeybounce %s\n", version)
	fmt.Fprintf(g.Stdout, "  Build:    %s\n", buildTime)
	fmt.Fprintf(g.Stdout, "  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(g.Stdout, "  Go:       %s\n", runtime.Version())
	return nil
}
