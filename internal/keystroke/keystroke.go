// Package keystroke intercepts keyboard transitions system-wide and lets a
// Decider choose, per event, whether it reaches applications.
//
// Platform support:
//   - macOS: CGEventTap at the HID level (requires root)
//   - Linux: exclusive evdev grab re-emitted through a uinput keyboard
//     (requires root or access to /dev/input and /dev/uinput)
//   - Other: not available
//
// Every Source calls its Decider synchronously, one event at a time per
// device, in the order the device produced them.
package keystroke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

// Event is a single key transition.
type Event struct {
	Key  debounce.KeyID
	Kind debounce.Kind
	// Timestamp is a monotonic offset supplied by the platform.
	Timestamp time.Duration
	// Repeat is set for autorepeat key-downs. They are delivered as presses.
	Repeat bool
}

// Decider returns the verdict for one event.
type Decider func(Event) debounce.Verdict

// Source intercepts keyboard events.
type Source interface {
	// Start acquires the interception handle and begins delivering events
	// to decide. It returns once interception is active.
	Start(ctx context.Context, decide Decider) error

	// Stop releases the interception handle. It is safe to call more than once.
	Stop() error

	// Done yields the fatal error that ended interception, if any, and
	// is closed when the source stops.
	Done() <-chan error

	// Available returns true if interception is possible with the
	// current permissions.
	Available() (bool, string)

	// Devices returns the number of input devices currently intercepted.
	Devices() int
}

// Stats counts events seen by a source.
type Stats struct {
	Passed    uint64
	Swallowed uint64
}

// ErrNotAvailable is returned when interception isn't available.
var ErrNotAvailable = errors.New("keyboard interception not available on this platform")

// ErrPermissionDenied is returned when permissions are insufficient.
var ErrPermissionDenied = errors.New("insufficient permissions for keyboard interception")

// ErrAlreadyRunning is returned when Start is called while already running.
var ErrAlreadyRunning = errors.New("source already running")

// baseSource provides common state for platform implementations.
type baseSource struct {
	mu      sync.RWMutex
	running bool
	decide  Decider
	done    chan error

	passed    atomic.Uint64
	swallowed atomic.Uint64
}

func (b *baseSource) begin(decide Decider) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	if decide == nil {
		decide = PassAll
	}
	b.running = true
	b.decide = decide
	b.done = make(chan error, 1)
	return nil
}

// end marks the source stopped and publishes err on Done.
func (b *baseSource) end(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	if err != nil {
		b.done <- err
	}
	close(b.done)
}

// dispatch asks the decider and counts the outcome.
func (b *baseSource) dispatch(ev Event) debounce.Verdict {
	b.mu.RLock()
	decide := b.decide
	b.mu.RUnlock()

	v := decide(ev)
	if v == debounce.Swallow {
		b.swallowed.Add(1)
	} else {
		b.passed.Add(1)
	}
	return v
}

// IsRunning returns the running state.
func (b *baseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Done returns a channel that yields a fatal error, if any, and is closed
// when the source stops. Before Start it returns nil.
func (b *baseSource) Done() <-chan error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.done
}

// Stats returns event counters.
func (b *baseSource) Stats() Stats {
	return Stats{Passed: b.passed.Load(), Swallowed: b.swallowed.Load()}
}

// PassAll is a Decider that never swallows.
func PassAll(Event) debounce.Verdict { return debounce.Pass }

// New creates a Source for the current platform.
func New(opts Options) Source {
	return newPlatformSource(opts)
}

// Options configures platform sources. Fields a platform does not use
// are ignored.
type Options struct {
	// Devices lists evdev nodes to grab. Empty means auto-discover.
	Devices []string
	// Hotplug attaches keyboards that appear after Start.
	Hotplug bool
	// VirtualName names the uinput keyboard that re-emits passed events.
	VirtualName string
	// OnDevicesChanged is called with the new device count.
	OnDevicesChanged func(int)
}

// DefaultVirtualName is the uinput device name used when none is configured.
const DefaultVirtualName = "dekeybounce virtual keyboard"

// SimulatedSource is a source for testing that doesn't hook a real keyboard.
type SimulatedSource struct {
	baseSource

	recMu     sync.Mutex
	delivered []Event
	cancel    context.CancelFunc
}

// NewSimulated creates a source for testing.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{}
}

// Start begins the simulated source. It stops when ctx is done.
func (s *SimulatedSource) Start(ctx context.Context, decide Decider) error {
	if err := s.begin(decide); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.recMu.Lock()
	s.cancel = cancel
	s.recMu.Unlock()
	go func() {
		<-ctx.Done()
		s.end(nil)
	}()
	return nil
}

// Stop stops the simulated source.
func (s *SimulatedSource) Stop() error {
	s.recMu.Lock()
	cancel := s.cancel
	s.recMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.end(nil)
	return nil
}

// Fail ends the source with err, as a lost device would.
func (s *SimulatedSource) Fail(err error) {
	s.end(err)
}

// Inject delivers ev and returns the verdict. Passed events are recorded.
// Events injected while stopped pass untouched, as they would once the
// interception handle is released.
func (s *SimulatedSource) Inject(ev Event) debounce.Verdict {
	if !s.IsRunning() {
		return debounce.Pass
	}
	v := s.dispatch(ev)
	if v == debounce.Pass {
		s.recMu.Lock()
		s.delivered = append(s.delivered, ev)
		s.recMu.Unlock()
	}
	return v
}

// Delivered returns the events that reached consumers.
func (s *SimulatedSource) Delivered() []Event {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]Event, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// Available returns true (simulated is always available).
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source (for testing)"
}

// Devices returns 1 while running.
func (s *SimulatedSource) Devices() int {
	if s.IsRunning() {
		return 1
	}
	return 0
}
