//go:build linux

package keystroke

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

const procDevices = `I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
S: Sysfs=/devices/platform/i8042/serio0/input/input3
U: Uniq=
H: Handlers=sysrq kbd leds event3
B: PROP=0
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0011 Vendor=0002 Product=0013 Version=0006
N: Name="VirtualPS/2 VMware VMMouse"
P: Phys=isa0060/serio1/input1
H: Handlers=mouse0 event4
B: PROP=0
B: EV=b
B: KEY=70000 0 0 0 0
B: ABS=3

I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
H: Handlers=kbd event0
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0006 Vendor=1209 Product=db0c Version=0001
N: Name="dekeybounce virtual keyboard"
H: Handlers=sysrq kbd leds event7
B: PROP=0
B: EV=120013

I: Bus=0003 Vendor=046d Product=c31c Version=0110
N: Name="Logitech USB Keyboard"
H: Handlers=sysrq kbd leds event9
B: PROP=0
B: EV=120013`

func TestParseInputDevices(t *testing.T) {
	devices := parseInputDevices(strings.NewReader(procDevices), DefaultVirtualName)

	assert.Equal(t, []string{"/dev/input/event3", "/dev/input/event9"}, devices)
}

func TestParseInputDevicesWithoutExclusion(t *testing.T) {
	devices := parseInputDevices(strings.NewReader(procDevices), "")

	assert.Contains(t, devices, "/dev/input/event7")
	assert.NotContains(t, devices, "/dev/input/event4", "mouse must not be grabbed")
	assert.NotContains(t, devices, "/dev/input/event0", "power button has no autorepeat")
}

func TestKeyboardCapable(t *testing.T) {
	tests := []struct {
		ev   string
		want bool
	}{
		{"120013", true},
		{"3", false},
		{"b", false},
		{"100000", false},
		{"zz", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keyboardCapable(tt.ev), tt.ev)
	}
}

func TestInputEventCodec(t *testing.T) {
	in := inputEvent{Sec: 12, Usec: 345678, Type: evKey, Code: 30, Value: keyRepeated}
	buf := make([]byte, inputEventSize)
	in.encode(buf)

	out := decodeInputEvent(buf)
	assert.Equal(t, in, out)
	assert.Equal(t, 12*time.Second+345678*time.Microsecond, out.timestamp())
}

func TestDedupeDevicesResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	node := filepath.Join(dir, "event3")
	require.NoError(t, os.WriteFile(node, nil, 0o600))
	link := filepath.Join(dir, "usb-kbd")
	require.NoError(t, os.Symlink(node, link))

	got := dedupeDevices([]string{link, node, "/dev/input/missing"})

	assert.Equal(t, []string{node, "/dev/input/missing"}, got)
}

func TestLinuxHandleTranslatesKeyEvents(t *testing.T) {
	src := newPlatformSource(Options{}).(*LinuxSource)
	var seen []Event
	require.NoError(t, src.begin(func(ev Event) debounce.Verdict {
		seen = append(seen, ev)
		if ev.Kind == debounce.Release {
			return debounce.Swallow
		}
		return debounce.Pass
	}))
	defer src.end(nil)

	src.handle(inputEvent{Sec: 1, Type: evKey, Code: 30, Value: keyPressed})
	src.handle(inputEvent{Sec: 2, Type: evKey, Code: 30, Value: keyRepeated})
	src.handle(inputEvent{Sec: 3, Type: evKey, Code: 30, Value: keyReleased})
	src.handle(inputEvent{Sec: 3, Type: evMsc, Code: mscScan, Value: 0x70004})
	src.handle(inputEvent{Sec: 3, Type: evLed, Code: 1, Value: 1})

	require.Len(t, seen, 3)
	assert.Equal(t, Event{Key: 30, Kind: debounce.Press, Timestamp: time.Second}, seen[0])
	assert.Equal(t, Event{Key: 30, Kind: debounce.Press, Timestamp: 2 * time.Second, Repeat: true}, seen[1])
	assert.Equal(t, Event{Key: 30, Kind: debounce.Release, Timestamp: 3 * time.Second}, seen[2])

	stats := src.Stats()
	assert.Equal(t, uint64(2), stats.Passed)
	assert.Equal(t, uint64(1), stats.Swallowed)
}

func TestLinuxStopWithoutStart(t *testing.T) {
	src := newPlatformSource(Options{})
	assert.NoError(t, src.Stop())
	assert.Equal(t, 0, src.Devices())
}

func TestLinuxHandleForwardsOnlyPassedEvents(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	src := newPlatformSource(Options{}).(*LinuxSource)
	src.uinput = &uinputDevice{f: w}
	engine := debounce.New(0)
	require.NoError(t, src.begin(func(ev Event) debounce.Verdict {
		return engine.Evaluate(ev.Key, ev.Kind, ev.Timestamp)
	}))
	defer src.end(nil)

	usec := func(ms int64) int64 { return ms * 1000 }
	src.handle(inputEvent{Usec: usec(0), Type: evKey, Code: 30, Value: keyReleased})
	src.handle(inputEvent{Usec: usec(5), Type: evKey, Code: 30, Value: keyPressed})
	src.handle(inputEvent{Usec: usec(8), Type: evKey, Code: 30, Value: keyReleased})
	src.handle(inputEvent{Usec: usec(40), Type: evKey, Code: 30, Value: keyPressed})
	src.handle(inputEvent{Usec: usec(40), Type: evSyn, Code: 0, Value: 0})
	src.handle(inputEvent{Usec: usec(41), Type: evLed, Code: 1, Value: 1})
	require.NoError(t, w.Close())

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Zero(t, len(data)%inputEventSize)

	var got []inputEvent
	for off := 0; off < len(data); off += inputEventSize {
		got = append(got, decodeInputEvent(data[off:off+inputEventSize]))
	}
	assert.Equal(t, []inputEvent{
		{Type: evKey, Code: 30, Value: keyReleased},
		{Type: evKey, Code: 30, Value: keyPressed},
		{Type: evSyn, Code: 0, Value: 0},
	}, got)

	stats := src.Stats()
	assert.Equal(t, uint64(2), stats.Passed)
	assert.Equal(t, uint64(2), stats.Swallowed)
}
