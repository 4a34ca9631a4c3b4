package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncEvent("press", "swallow")
	r.SetTrackedKeys(3)
	r.SetInputDevices(1)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncEvent("press", "pass")
	pr.IncEvent("press", "swallow")
	pr.IncEvent("press", "swallow")
	pr.IncEvent("release", "swallow")
	pr.SetTrackedKeys(4)
	pr.SetInputDevices(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.events.WithLabelValues("press", "pass")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.events.WithLabelValues("press", "swallow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.events.WithLabelValues("release", "swallow")))
	assert.Equal(t, 4.0, testutil.ToFloat64(pr.trackedKeys))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.inputDevices))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "dekeybounce_events_total")
	assert.Contains(t, names, "dekeybounce_tracked_keys")
	assert.Contains(t, names, "dekeybounce_input_devices")
}

func TestPrometheusRecorderNilSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncEvent("press", "pass")
	pr.SetTrackedKeys(1)
	pr.SetInputDevices(1)
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncEvent("release", "swallow")

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dekeybounce_events_total{kind="release",verdict="swallow"} 1`)
}

func TestServerServesAndShutsDown(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).SetInputDevices(3)

	srv, err := Listen("127.0.0.1:0", reg, nil)
	require.NoError(t, err)
	srv.Start()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "dekeybounce_input_devices 3"))

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/metrics")
	assert.Error(t, err)
}

func TestServerShutdownWithoutStart(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestListenBadAddress(t *testing.T) {
	_, err := Listen("not-an-address", nil, nil)
	assert.Error(t, err)
}
