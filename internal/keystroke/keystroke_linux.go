//go:build linux

package keystroke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

// hotplugSettle is how long a new /dev/input node is given to become
// readable (udev applies permissions after the node appears).
const hotplugSettle = 250 * time.Millisecond

// LinuxSource grabs keyboards through evdev and re-emits passed events
// through a uinput virtual keyboard.
type LinuxSource struct {
	baseSource

	opts   Options
	logger *slog.Logger

	devMu   sync.Mutex
	devices map[string]*evdevDevice
	uinput  *uinputDevice
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPlatformSource(opts Options) Source {
	if opts.VirtualName == "" {
		opts.VirtualName = DefaultVirtualName
	}
	return &LinuxSource{opts: opts, logger: slog.Default().With("component", "keystroke")}
}

// Available checks if we can read input devices and create a uinput device.
func (l *LinuxSource) Available() (bool, string) {
	devices, err := l.candidates()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}

	u, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Sprintf("cannot open /dev/uinput: %v", err)
	}
	u.Close()

	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}

	return false, "cannot open keyboard devices (need to run as root or be in the 'input' group)"
}

func (l *LinuxSource) candidates() ([]string, error) {
	if len(l.opts.Devices) > 0 {
		return dedupeDevices(l.opts.Devices), nil
	}
	return findKeyboardDevices(l.opts.VirtualName)
}

// Start grabs every keyboard and begins filtering.
func (l *LinuxSource) Start(ctx context.Context, decide Decider) error {
	if err := l.begin(decide); err != nil {
		return err
	}

	if err := l.start(ctx); err != nil {
		l.teardown()
		l.end(nil)
		return err
	}
	return nil
}

func (l *LinuxSource) start(ctx context.Context) error {
	paths, err := l.candidates()
	if err != nil {
		return fmt.Errorf("find keyboards: %w", err)
	}
	if len(paths) == 0 {
		return ErrNotAvailable
	}

	uinput, err := openUinput(l.opts.VirtualName)
	if err != nil {
		return permissionError(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.devMu.Lock()
	l.uinput = uinput
	l.devices = make(map[string]*evdevDevice)
	l.cancel = cancel
	l.devMu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := l.attach(p); err != nil {
			l.logger.Warn("keyboard not grabbed", "device", p, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if l.Devices() == 0 {
		return permissionError(firstErr)
	}

	if l.opts.Hotplug {
		if err := l.watch(ctx); err != nil {
			return fmt.Errorf("watch /dev/input: %w", err)
		}
	}

	l.wg.Add(2)
	go l.mirrorLEDs()
	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		l.teardown()
		l.end(nil)
	}()

	return nil
}

func permissionError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err == nil {
		return ErrNotAvailable
	}
	return err
}

// attach grabs path and starts its read loop. Already attached devices
// are ignored.
func (l *LinuxSource) attach(path string) error {
	l.devMu.Lock()
	if _, ok := l.devices[path]; ok {
		l.devMu.Unlock()
		return nil
	}
	l.devMu.Unlock()

	dev, err := openEvdev(path)
	if err != nil {
		return err
	}

	l.devMu.Lock()
	if l.devices == nil {
		l.devMu.Unlock()
		dev.Close()
		return ErrNotAvailable
	}
	l.devices[path] = dev
	n := len(l.devices)
	l.devMu.Unlock()

	l.logger.Info("keyboard grabbed", "device", path)
	l.devicesChanged(n)

	l.wg.Add(1)
	go l.readLoop(dev)
	return nil
}

// detach drops a device that stopped delivering events.
func (l *LinuxSource) detach(dev *evdevDevice, cause error) {
	l.devMu.Lock()
	if l.devices[dev.path] != dev {
		l.devMu.Unlock()
		return
	}
	delete(l.devices, dev.path)
	n := len(l.devices)
	l.devMu.Unlock()

	dev.Close()
	l.logger.Info("keyboard detached", "device", dev.path, "reason", cause)
	l.devicesChanged(n)

	if n == 0 && !l.opts.Hotplug {
		l.teardown()
		l.end(fmt.Errorf("all keyboards detached: %w", cause))
	}
}

func (l *LinuxSource) devicesChanged(n int) {
	if l.opts.OnDevicesChanged != nil {
		l.opts.OnDevicesChanged(n)
	}
}

func (l *LinuxSource) readLoop(dev *evdevDevice) {
	defer l.wg.Done()

	buf := make([]byte, inputEventSize*64)
	for {
		n, err := dev.f.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			l.detach(dev, err)
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			l.handle(decodeInputEvent(buf[off : off+inputEventSize]))
		}
	}
}

// handle filters one raw event. Non-key events are forwarded, except LED
// state which flows the other way (see mirrorLEDs).
func (l *LinuxSource) handle(raw inputEvent) {
	if raw.Type == evLed {
		return
	}
	if raw.Type == evKey && raw.Value >= keyReleased && raw.Value <= keyRepeated {
		ev := Event{
			Key:       debounce.KeyID(raw.Code),
			Kind:      debounce.Press,
			Timestamp: raw.timestamp(),
			Repeat:    raw.Value == keyRepeated,
		}
		if raw.Value == keyReleased {
			ev.Kind = debounce.Release
		}
		if l.dispatch(ev) == debounce.Swallow {
			return
		}
	}

	l.devMu.Lock()
	u := l.uinput
	l.devMu.Unlock()
	if u == nil {
		return
	}
	if err := u.Emit(raw); err != nil {
		l.logger.Error("re-emit failed", "error", err)
	}
}

// mirrorLEDs forwards LED state set on the virtual keyboard (caps lock,
// num lock) to the grabbed keyboards.
func (l *LinuxSource) mirrorLEDs() {
	defer l.wg.Done()

	l.devMu.Lock()
	u := l.uinput
	l.devMu.Unlock()
	if u == nil {
		return
	}

	buf := make([]byte, inputEventSize*16)
	out := make([]byte, inputEventSize)
	for {
		n, err := u.f.Read(buf)
		if err != nil {
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			ev := decodeInputEvent(buf[off : off+inputEventSize])
			if ev.Type != evLed {
				continue
			}
			ev.encode(out)
			l.devMu.Lock()
			for _, dev := range l.devices {
				_, _ = dev.f.Write(out)
			}
			l.devMu.Unlock()
		}
	}
}

// watch attaches keyboards that appear under /dev/input.
func (l *LinuxSource) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add("/dev/input"); err != nil {
		w.Close()
		return err
	}

	l.devMu.Lock()
	l.watcher = w
	l.devMu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 || !strings.HasPrefix(filepath.Base(ev.Name), "event") {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(hotplugSettle):
				}
				l.rescan()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("hotplug watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (l *LinuxSource) rescan() {
	paths, err := findKeyboardDevices(l.opts.VirtualName)
	if err != nil {
		l.logger.Warn("keyboard rescan failed", "error", err)
		return
	}
	for _, p := range paths {
		if err := l.attach(p); err != nil {
			l.logger.Warn("keyboard not grabbed", "device", p, "error", err)
		}
	}
}

// teardown releases every grab, the virtual device and the watcher.
func (l *LinuxSource) teardown() {
	l.devMu.Lock()
	devices := l.devices
	u := l.uinput
	w := l.watcher
	cancel := l.cancel
	l.devices = nil
	l.uinput = nil
	l.watcher = nil
	l.cancel = nil
	l.devMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.Close()
	}
	for _, dev := range devices {
		dev.Close()
	}
	if u != nil {
		u.Close()
	}
	if len(devices) > 0 {
		l.devicesChanged(0)
	}
}

// Stop releases the interception handle and waits for the read loops.
func (l *LinuxSource) Stop() error {
	l.teardown()
	l.wg.Wait()
	l.end(nil)
	return nil
}

// Devices returns the number of grabbed keyboards.
func (l *LinuxSource) Devices() int {
	l.devMu.Lock()
	defer l.devMu.Unlock()
	return len(l.devices)
}
