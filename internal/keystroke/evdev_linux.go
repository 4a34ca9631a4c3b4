//go:build linux

package keystroke

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event types and codes from linux/input-event-codes.h.
const (
	evSyn = 0x00
	evKey = 0x01
	evMsc = 0x04
	evLed = 0x11
	evRep = 0x14

	mscScan = 0x04
	ledMax  = 0x0f

	keyMax = 0x2ff

	keyReleased = 0
	keyPressed  = 1
	keyRepeated = 2
)

// ioctl requests from linux/input.h and linux/uinput.h.
const (
	eviocgrab     = 0x40044590 // _IOW('E', 0x90, int)
	eviocsclockid = 0x400445a0 // _IOW('E', 0xa0, int)
	eviocgkey     = 0x80604518 // _IOC(_IOC_READ, 'E', 0x18, keyMax/8+1)

	uiSetEvbit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeybit  = 0x40045565 // _IOW('U', 101, int)
	uiSetMscbit  = 0x40045568 // _IOW('U', 104, int)
	uiSetLedbit  = 0x40045569 // _IOW('U', 105, int)
	uiDevSetup   = 0x405c5503 // _IOW('U', 3, struct uinput_setup)
	uiDevCreate  = 0x5501     // _IO('U', 1)
	uiDevDestroy = 0x5502     // _IO('U', 2)
)

// inputEventSize is sizeof(struct input_event) with a 64-bit time_t.
const inputEventSize = 24

// inputEvent matches the Linux input_event struct.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func decodeInputEvent(b []byte) inputEvent {
	return inputEvent{
		Sec:   int64(binary.LittleEndian.Uint64(b[0:8])),
		Usec:  int64(binary.LittleEndian.Uint64(b[8:16])),
		Type:  binary.LittleEndian.Uint16(b[16:18]),
		Code:  binary.LittleEndian.Uint16(b[18:20]),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}
}

func (ev inputEvent) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(ev.Sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(ev.Usec))
	binary.LittleEndian.PutUint16(b[16:18], ev.Type)
	binary.LittleEndian.PutUint16(b[18:20], ev.Code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(ev.Value))
}

// timestamp converts the event time to a duration since the clock epoch.
func (ev inputEvent) timestamp() time.Duration {
	return time.Duration(ev.Sec)*time.Second + time.Duration(ev.Usec)*time.Microsecond
}

// ioctl runs an ioctl with an integer argument without switching f to
// blocking mode.
func ioctl(f *os.File, req uintptr, arg uintptr) error {
	return control(f, func(fd uintptr) unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
		return errno
	})
}

// ioctlPtr is ioctl with a pointer argument.
func ioctlPtr(f *os.File, req uintptr, arg unsafe.Pointer) error {
	return control(f, func(fd uintptr) unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
		return errno
	})
}

func control(f *os.File, fn func(fd uintptr) unix.Errno) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var errno unix.Errno
	if err := rc.Control(func(fd uintptr) { errno = fn(fd) }); err != nil {
		return err
	}
	if errno != 0 {
		return errno
	}
	return nil
}

// evdevDevice is a grabbed keyboard.
type evdevDevice struct {
	path string
	f    *os.File
}

// openEvdev opens, re-clocks and grabs a keyboard. Grabbing waits until no
// key is down so that a release already in flight is not lost to consumers.
func openEvdev(path string) (*evdevDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	clock := int32(unix.CLOCK_MONOTONIC)
	if err := ioctlPtr(f, eviocsclockid, unsafe.Pointer(&clock)); err != nil {
		f.Close()
		return nil, fmt.Errorf("set monotonic clock on %s: %w", path, err)
	}

	waitKeysReleased(f, 2*time.Second)

	if err := ioctl(f, eviocgrab, 1); err != nil {
		f.Close()
		return nil, fmt.Errorf("grab %s: %w", path, err)
	}

	return &evdevDevice{path: path, f: f}, nil
}

func waitKeysReleased(f *os.File, limit time.Duration) {
	var state [keyMax/8 + 1]byte
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if err := ioctlPtr(f, eviocgkey, unsafe.Pointer(&state[0])); err != nil {
			return
		}
		down := false
		for _, b := range state {
			if b != 0 {
				down = true
				break
			}
		}
		if !down {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close releases the grab and closes the device.
func (d *evdevDevice) Close() error {
	_ = ioctl(d.f, eviocgrab, 0)
	return d.f.Close()
}

// uinputDevice is the virtual keyboard that re-emits passed events.
type uinputDevice struct {
	mu  sync.Mutex
	f   *os.File
	buf [inputEventSize]byte
}

type uinputSetup struct {
	Bustype      uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	Name         [80]byte
	FFEffectsMax uint32
}

func openUinput(name string) (*uinputDevice, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fail := func(step string, err error) (*uinputDevice, error) {
		f.Close()
		return nil, fmt.Errorf("uinput %s: %w", step, err)
	}

	for _, ev := range []uintptr{evKey, evMsc, evLed} {
		if err := ioctl(f, uiSetEvbit, ev); err != nil {
			return fail("set event bit", err)
		}
	}
	for code := uintptr(1); code <= keyMax; code++ {
		// Skip the BTN_* ranges so the device is not classified as a pointer.
		if (code >= 0x100 && code < 0x160) || code >= 0x2c0 {
			continue
		}
		if err := ioctl(f, uiSetKeybit, code); err != nil {
			return fail("set key bit", err)
		}
	}
	if err := ioctl(f, uiSetMscbit, mscScan); err != nil {
		return fail("set msc bit", err)
	}
	for led := uintptr(0); led < ledMax; led++ {
		if err := ioctl(f, uiSetLedbit, led); err != nil {
			return fail("set led bit", err)
		}
	}

	setup := uinputSetup{Bustype: 0x06, Vendor: 0x1209, Product: 0xdb0c, Version: 1} // BUS_VIRTUAL
	copy(setup.Name[:len(setup.Name)-1], name)
	if err := ioctlPtr(f, uiDevSetup, unsafe.Pointer(&setup)); err != nil {
		return fail("setup", err)
	}
	if err := ioctl(f, uiDevCreate, 0); err != nil {
		return fail("create", err)
	}

	return &uinputDevice{f: f}, nil
}

// Emit writes one event. The kernel stamps its own time.
func (u *uinputDevice) Emit(ev inputEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	ev.Sec, ev.Usec = 0, 0
	ev.encode(u.buf[:])
	_, err := u.f.Write(u.buf[:])
	return err
}

// Close destroys the virtual device.
func (u *uinputDevice) Close() error {
	_ = ioctl(u.f, uiDevDestroy, 0)
	return u.f.Close()
}

// keyboardCapable reports whether an EV bitmap (hex, as in
// /proc/bus/input/devices) has both EV_KEY and EV_REP.
func keyboardCapable(evHex string) bool {
	bits, err := strconv.ParseUint(evHex, 16, 64)
	if err != nil {
		return false
	}
	return bits&(1<<evKey) != 0 && bits&(1<<evRep) != 0
}

// parseInputDevices returns the event nodes of keyboards listed in r,
// which has the format of /proc/bus/input/devices. Devices named exclude
// are skipped.
func parseInputDevices(r io.Reader, exclude string) []string {
	var devices []string
	var name, handler string
	isKeyboard := false

	flush := func() {
		if isKeyboard && handler != "" && name != exclude {
			devices = append(devices, handler)
		}
		name, handler, isKeyboard = "", "", false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "N: Name="):
			name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(part, "event") {
					handler = "/dev/input/" + part
				}
			}
		case strings.HasPrefix(line, "B: EV="):
			isKeyboard = keyboardCapable(strings.TrimPrefix(line, "B: EV="))
		case line == "":
			flush()
		}
	}
	flush()

	return devices
}

// findKeyboardDevices finds /dev/input devices that are keyboards.
func findKeyboardDevices(exclude string) ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return dedupeDevices(parseInputDevices(f, exclude)), nil
}

// dedupeDevices resolves symlinks and drops duplicates, keeping order.
func dedupeDevices(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			resolved = p
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	return out
}
