// Package daemon runs the debounce filter: it wires the engine to an
// interception source and owns start-up and teardown ordering.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/mchelnokov/dekeybounce/internal/config"
	"github.com/mchelnokov/dekeybounce/internal/debounce"
	"github.com/mchelnokov/dekeybounce/internal/journal"
	"github.com/mchelnokov/dekeybounce/internal/keystroke"
	"github.com/mchelnokov/dekeybounce/internal/metrics"
)

// shutdownTimeout bounds metrics server shutdown.
const shutdownTimeout = 3 * time.Second

// Daemon owns the engine and everything around it for one run.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	engine   *debounce.Engine
	source   keystroke.Source
	recorder metrics.Recorder
	registry *prom.Registry
	journal  atomic.Pointer[journal.Journal]

	metricsAddr atomic.Value // string
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithSource replaces the platform source.
func WithSource(src keystroke.Source) Option {
	return func(d *Daemon) { d.source = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithRecorder replaces the recorder chosen from configuration.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Daemon) { d.recorder = r }
}

// New builds a daemon from cfg. Nothing is acquired until Run.
func New(cfg *config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		logger: slog.Default(),
		engine: debounce.New(cfg.MinInterval()),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "daemon")

	if d.recorder == nil {
		if cfg.Metrics.Enabled {
			d.registry = prom.NewRegistry()
			d.recorder = metrics.NewPrometheusRecorder(d.registry)
		} else {
			d.recorder = metrics.NoopRecorder{}
		}
	}

	if d.source == nil {
		d.source = keystroke.New(keystroke.Options{
			Devices:          cfg.Input.Devices,
			Hotplug:          cfg.Input.Hotplug,
			VirtualName:      cfg.Input.DeviceName,
			OnDevicesChanged: d.recorder.SetInputDevices,
		})
	}
	return d
}

// Engine returns the debounce engine.
func (d *Daemon) Engine() *debounce.Engine {
	return d.engine
}

// Source returns the interception source.
func (d *Daemon) Source() keystroke.Source {
	return d.source
}

// MetricsAddr returns the bound metrics address while Run is serving.
func (d *Daemon) MetricsAddr() string {
	addr, _ := d.metricsAddr.Load().(string)
	return addr
}

// Run filters keyboard input until ctx is done or the source fails.
//
// Start-up order is pid file, metrics, journal, source. Teardown releases
// the interception handle first, then clears the engine, then closes the
// journal, stops metrics and removes the pid file.
func (d *Daemon) Run(ctx context.Context) (err error) {
	if path := d.cfg.Daemon.PidFile; path != "" {
		if err := writePidFile(path); err != nil {
			return err
		}
		defer func() {
			if rerr := removePidFile(path); rerr != nil {
				d.logger.Warn("remove pid file", "path", path, "error", rerr)
			}
		}()
	}

	if d.cfg.Metrics.Enabled && d.registry != nil {
		srv, err := metrics.Listen(d.cfg.Metrics.Listen, d.registry, d.logger)
		if err != nil {
			return err
		}
		srv.Start()
		d.metricsAddr.Store(srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(sctx); serr != nil {
				d.logger.Warn("metrics shutdown", "error", serr)
			}
			d.metricsAddr.Store("")
		}()
	}

	if d.cfg.Journal.Enabled {
		j, err := journal.Open(d.cfg.Journal.Path, journal.Options{
			MinInterval:   d.engine.MinInterval(),
			FlushInterval: d.cfg.FlushInterval(),
			Logger:        d.logger,
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		d.journal.Store(j)
		defer func() {
			if cerr := j.Close(); cerr != nil {
				d.logger.Error("close journal", "error", cerr)
				if err == nil {
					err = cerr
				}
			}
			d.journal.Store(nil)
		}()
	}

	if err := d.source.Start(ctx, d.decide); err != nil {
		return fmt.Errorf("start interception: %w", err)
	}
	d.recorder.SetInputDevices(d.source.Devices())
	d.logger.Info("filtering keyboard input",
		"min_interval", d.engine.MinInterval(),
		"devices", d.source.Devices())

	err = d.wait(ctx)

	if serr := d.source.Stop(); serr != nil {
		d.logger.Warn("stop interception", "error", serr)
	}
	d.engine.Reset()
	d.recorder.SetTrackedKeys(0)
	d.recorder.SetInputDevices(0)
	d.logger.Info("interception released")

	return err
}

// wait blocks until ctx is done or the source ends on its own.
func (d *Daemon) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down", "cause", context.Cause(ctx))
		return nil
	case srcErr, ok := <-d.source.Done():
		if ctx.Err() != nil {
			return nil
		}
		if ok && srcErr != nil {
			return fmt.Errorf("interception ended: %w", srcErr)
		}
		return errors.New("interception ended unexpectedly")
	}
}

// decide is the Decider handed to the source.
func (d *Daemon) decide(ev keystroke.Event) debounce.Verdict {
	v := d.engine.Evaluate(ev.Key, ev.Kind, ev.Timestamp)

	d.recorder.IncEvent(ev.Kind.String(), v.String())
	d.recorder.SetTrackedKeys(d.engine.Tracked())

	if v == debounce.Swallow {
		if j := d.journal.Load(); j != nil {
			j.Record(ev.Key, ev.Kind)
		}
		d.logger.Debug("bounce swallowed", "key", uint64(ev.Key), "kind", ev.Kind.String())
	}
	return v
}
