package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dekeybounce"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	events       *prom.CounterVec
	trackedKeys  prom.Gauge
	inputDevices prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them on reg,
// along with the Go runtime and process collectors. A nil reg gets a
// fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Key events seen by the filter, by kind and verdict",
		}, []string{"kind", "verdict"}),
		trackedKeys: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_keys",
			Help:      "Keys with recorded state in the debounce table",
		}),
		inputDevices: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "input_devices",
			Help:      "Keyboards currently intercepted",
		}),
	}
	reg.MustRegister(
		pr.events,
		pr.trackedKeys,
		pr.inputDevices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pr
}

func (p *PrometheusRecorder) IncEvent(kind, verdict string) {
	if p == nil || p.events == nil {
		return
	}
	p.events.WithLabelValues(kind, verdict).Inc()
}

func (p *PrometheusRecorder) SetTrackedKeys(n int) {
	if p == nil || p.trackedKeys == nil {
		return
	}
	p.trackedKeys.Set(float64(n))
}

func (p *PrometheusRecorder) SetInputDevices(n int) {
	if p == nil || p.inputDevices == nil {
		return
	}
	p.inputDevices.Set(float64(n))
}

var _ Recorder = (*PrometheusRecorder)(nil)
