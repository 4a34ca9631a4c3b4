//go:build unix

package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchelnokov/dekeybounce/internal/config"
	"github.com/mchelnokov/dekeybounce/internal/daemon"
	"github.com/mchelnokov/dekeybounce/internal/keystroke"
)

func TestDaemonSurvivesHangup(t *testing.T) {
	ctx, stop := signalContext()
	defer stop()
	defer signal.Reset(syscall.SIGHUP, syscall.SIGPIPE)

	cfg := config.DefaultConfig()
	cfg.Daemon.PidFile = filepath.Join(t.TempDir(), "dekeybounce.pid")
	src := keystroke.NewSimulated()
	d := daemon.New(cfg,
		daemon.WithSource(src),
		daemon.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	require.Eventually(t, src.IsRunning, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	assert.Never(t, func() bool { return ctx.Err() != nil || !src.IsRunning() },
		200*time.Millisecond, 10*time.Millisecond)
	assert.FileExists(t, cfg.Daemon.PidFile)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on SIGTERM")
	}
	assert.False(t, src.IsRunning())
	assert.NoFileExists(t, cfg.Daemon.PidFile)
}
