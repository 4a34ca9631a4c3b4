// Package debounce decides, per physical key, whether a press or release
// is a genuine transition or switch bounce.
//
// A press that arrives less than MinInterval after the previous release of
// the same key is swallowed and the key is considered logically held; the
// next release of that key is then swallowed too so that consumers always
// see paired press/release events.
package debounce

import (
	"sync"
	"time"
)

// DefaultMinInterval is used when the configured threshold is zero.
const DefaultMinInterval = 20 * time.Millisecond

// KeyID identifies a physical key. It is opaque to the engine.
type KeyID uint64

// Kind is the direction of a key transition.
type Kind int

const (
	Press Kind = iota + 1
	Release
)

func (k Kind) String() string {
	switch k {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return "unknown"
	}
}

// Verdict tells the event source what to do with an event.
type Verdict int

const (
	// Pass lets the event continue to downstream consumers.
	Pass Verdict = iota
	// Swallow consumes the event so no consumer observes it.
	Swallow
)

func (v Verdict) String() string {
	if v == Swallow {
		return "swallow"
	}
	return "pass"
}

// Phase is the tag of a KeyState.
type Phase int

const (
	// Released carries the timestamp of the last recorded release.
	Released Phase = iota + 1
	// Held means the last press was judged a bounce and the key is
	// still logically down.
	Held
)

func (p Phase) String() string {
	switch p {
	case Released:
		return "released"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// KeyState is the per-key record. LastRelease is meaningful only when
// Phase is Released.
type KeyState struct {
	Phase       Phase
	LastRelease time.Duration
}

// Engine holds the key table. The zero value is not usable; use New.
type Engine struct {
	mu          sync.Mutex
	minInterval time.Duration
	keys        map[KeyID]*KeyState
}

// New creates an engine. A non-positive minInterval selects
// DefaultMinInterval.
func New(minInterval time.Duration) *Engine {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Engine{
		minInterval: minInterval,
		keys:        make(map[KeyID]*KeyState),
	}
}

// MinInterval returns the effective threshold.
func (e *Engine) MinInterval() time.Duration {
	return e.minInterval
}

// Evaluate judges one transition and updates the key's record.
// Timestamps must be monotonic offsets in the same time base for every call.
func (e *Engine) Evaluate(key KeyID, kind Kind, ts time.Duration) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.keys[key]

	switch kind {
	case Press:
		if !ok {
			return Pass
		}
		if st.Phase == Held {
			return Swallow
		}
		if ts < st.LastRelease+e.minInterval {
			st.Phase = Held
			return Swallow
		}
		return Pass

	case Release:
		if !ok {
			e.keys[key] = &KeyState{Phase: Released, LastRelease: ts}
			return Pass
		}
		verdict := Pass
		if st.Phase == Held {
			verdict = Swallow
		}
		st.Phase = Released
		st.LastRelease = ts
		return verdict
	}

	return Pass
}

// State returns a copy of the record for key, if one exists.
func (e *Engine) State(key KeyID) (KeyState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.keys[key]
	if !ok {
		return KeyState{}, false
	}
	return *st, true
}

// Tracked returns the number of keys with a record.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// Reset drops every record. It is the engine's teardown and may be
// called concurrently with Evaluate.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = make(map[KeyID]*KeyState)
}
