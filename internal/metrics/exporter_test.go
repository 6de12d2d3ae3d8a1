package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/saveenergy/quicperf/pkg/types"
)

func TestObserve(t *testing.T) {
	e := NewExporter()
	defer e.Close()

	e.Observe(types.Sample{Count: 12500, Delta: 12500, DeltaRateLow: 1000, DeltaRateHigh: 1})
	e.Observe(types.Sample{Count: 25000, PreviousCount: 12500, Delta: 12500, DeltaRateLow: 1000, DeltaRateHigh: 1})
	e.Observe(types.Sample{Skipped: true})

	if got := testutil.ToFloat64(e.received); got != 25000 {
		t.Errorf("received = %v, want 25000", got)
	}
	if got := testutil.ToFloat64(e.samples.WithLabelValues("measured")); got != 2 {
		t.Errorf("measured samples = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.samples.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped samples = %v, want 1", got)
	}
	// A skipped sample zeroes the live gauges.
	if got := testutil.ToFloat64(e.rateKbps); got != 0 {
		t.Errorf("rate_kbps = %v, want 0", got)
	}
	if got := testutil.ToFloat64(e.count); got != 0 {
		t.Errorf("connection_bytes = %v, want 0", got)
	}
}

func TestStateAndConnects(t *testing.T) {
	e := NewExporter()
	defer e.Close()

	e.SetState(types.StateReady)
	e.RecordConnect(types.KindEngine)
	e.RecordConnect(types.KindEngine)

	if got := testutil.ToFloat64(e.state); got != float64(types.StateReady) {
		t.Errorf("state = %v", got)
	}
	if got := testutil.ToFloat64(e.connects.WithLabelValues("engine")); got != 2 {
		t.Errorf("engine connects = %v, want 2", got)
	}
}

func TestPumpAndHandler(t *testing.T) {
	e := NewExporter()
	defer e.Close()

	ch := make(chan types.Sample)
	e.Pump(ch)
	ch <- types.Sample{Count: 4000, Delta: 4000, DeltaRateLow: 320}
	close(ch)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(e.rateKbps) != 320 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"quicperf_rate_kbps 320", "quicperf_received_bytes_total 4000"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
