//go:build darwin

package keystroke

/*
#cgo LDFLAGS: -framework ApplicationServices -framework CoreFoundation

#include "tap_darwin.h"
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

// activeTap receives callbacks from the C event tap. The tap is a
// process-wide singleton.
var activeTap atomic.Pointer[DarwinSource]

//export dkbDecide
func dkbDecide(keycode C.int64_t, down C.int, timestamp C.uint64_t, repeat C.int) C.int {
	d := activeTap.Load()
	if d == nil {
		return 0
	}
	ev := Event{
		Key:       debounce.KeyID(keycode),
		Kind:      debounce.Release,
		Timestamp: time.Duration(timestamp),
		Repeat:    repeat != 0,
	}
	if down != 0 {
		ev.Kind = debounce.Press
	}
	if d.dispatch(ev) == debounce.Swallow {
		return 1
	}
	return 0
}

// DarwinSource uses a HID-level CGEventTap.
type DarwinSource struct {
	baseSource

	logger *slog.Logger

	stopping atomic.Bool
	tapDone  chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Track if we've seen the tap get disabled by the system
	tapDisableCount atomic.Int64
}

func newPlatformSource(Options) Source {
	return &DarwinSource{logger: slog.Default().With("component", "keystroke")}
}

// Available checks if a HID event tap can be created.
func (d *DarwinSource) Available() (bool, string) {
	if os.Geteuid() == 0 {
		return true, "CGEventTap available (root)"
	}
	if C.dkbCheckAccessibility() == 1 {
		return false, "HID-level event tap requires root even with Accessibility permission"
	}
	return false, "HID-level event tap requires root"
}

// Start creates the tap and runs its run loop on a dedicated OS thread.
func (d *DarwinSource) Start(ctx context.Context, decide Decider) error {
	if !activeTap.CompareAndSwap(nil, d) {
		return ErrAlreadyRunning
	}
	if err := d.begin(decide); err != nil {
		activeTap.CompareAndSwap(d, nil)
		return err
	}

	fail := func(err error) error {
		activeTap.CompareAndSwap(d, nil)
		d.end(nil)
		return err
	}

	switch C.dkbTapCreate() {
	case 1:
		return fail(ErrAlreadyRunning)
	case -1:
		return fail(ErrPermissionDenied)
	case -2:
		return fail(errors.New("failed to create run loop source"))
	}

	d.stopping.Store(false)
	d.tapDone = make(chan struct{})
	go d.runTap()

	// Wait for the tap to be enabled (with timeout)
	for i := 0; i < 100 && C.dkbTapEnabled() == 0; i++ {
		select {
		case <-d.tapDone:
			return fail(errors.New("event tap run loop exited during start"))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if C.dkbTapEnabled() == 0 {
		d.stopTap()
		return fail(errors.New("timeout waiting for event tap to start"))
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.healthLoop(ctx)

	return nil
}

func (d *DarwinSource) runTap() {
	defer close(d.tapDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	C.dkbTapRun()
}

// healthLoop reports system-disabled taps and notices a run loop that
// exited on its own.
func (d *DarwinSource) healthLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return

		case <-d.tapDone:
			if d.stopping.Load() {
				return
			}
			C.dkbTapRelease()
			activeTap.CompareAndSwap(d, nil)
			d.end(errors.New("event tap run loop exited"))
			return

		case <-ticker.C:
			if n := int(C.dkbTapDisabledBySystem()); n > 0 {
				d.tapDisableCount.Add(int64(n))
				d.logger.Warn("event tap was disabled by the system and re-enabled", "times", n)
			}
		}
	}
}

// stopTap stops the run loop and releases the tap and its source.
func (d *DarwinSource) stopTap() {
	d.stopping.Store(true)
	C.dkbTapStop()
	if d.tapDone != nil {
		select {
		case <-d.tapDone:
		case <-time.After(2 * time.Second):
			d.logger.Error("event tap run loop did not stop")
			return
		}
	}
	C.dkbTapRelease()
}

// Stop removes the tap from the run loop and releases it.
func (d *DarwinSource) Stop() error {
	if !d.IsRunning() || activeTap.Load() != d {
		return nil
	}
	if d.stopping.Swap(true) {
		return nil
	}
	d.stopTap()
	activeTap.CompareAndSwap(d, nil)
	if d.cancel != nil {
		d.cancel()
	}
	d.end(nil)
	return nil
}

// Devices returns 1 while the tap is installed.
func (d *DarwinSource) Devices() int {
	if d.IsRunning() {
		return 1
	}
	return 0
}

// TapDisableCount returns how many times the system disabled the tap.
// This can happen if the callback is too slow.
func (d *DarwinSource) TapDisableCount() int64 {
	return d.tapDisableCount.Load()
}

func (d *DarwinSource) String() string {
	return fmt.Sprintf("CGEventTap(running=%v)", d.IsRunning())
}

var _ Source = (*DarwinSource)(nil)
