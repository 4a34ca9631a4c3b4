// Package metrics exposes filter activity for scraping.
//
// Components receive a Recorder. NoopRecorder is the default and costs
// nothing; PrometheusRecorder is swapped in when metrics are enabled.
package metrics

// Recorder receives filter observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// IncEvent counts one key event by kind ("press", "release") and
	// verdict ("pass", "swallow").
	IncEvent(kind, verdict string)
	// SetTrackedKeys reports how many keys the engine holds state for.
	SetTrackedKeys(n int)
	// SetInputDevices reports how many keyboards are intercepted.
	SetInputDevices(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncEvent(string, string) {}
func (NoopRecorder) SetTrackedKeys(int)      {}
func (NoopRecorder) SetInputDevices(int)     {}

var _ Recorder = NoopRecorder{}
