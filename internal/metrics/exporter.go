// Package metrics exposes sampler output as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saveenergy/quicperf/pkg/types"
)

const namespace = "quicperf"

type Exporter struct {
	registry *prometheus.Registry

	count    prometheus.Gauge
	received prometheus.Counter
	rateKbps prometheus.Gauge
	rateMbps prometheus.Gauge
	samples  *prometheus.CounterVec
	state    prometheus.Gauge
	connects *prometheus.CounterVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		count: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_bytes",
			Help:      "Bytes received on the active connection.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes received across all connections, summed from sample deltas.",
		}),
		rateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_kbps",
			Help:      "Receive rate over the last sample interval in kbit/s.",
		}),
		rateMbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_mbps",
			Help:      "Receive rate over the last sample interval in Mbit/s.",
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Sampler ticks by outcome.",
		}, []string{"outcome"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Active connection state (0 idle, 1 connecting, 2 ready, 3 closed, 4 failed).",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connections started by backend.",
		}, []string{"backend"}),
		stopCh: make(chan struct{}),
	}
	e.registry.MustRegister(e.count, e.received, e.rateKbps, e.rateMbps, e.samples, e.state, e.connects)
	return e
}

func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Observe(sample types.Sample) {
	e.count.Set(float64(sample.Count))
	e.rateKbps.Set(float64(sample.DeltaRateLow))
	e.rateMbps.Set(float64(sample.DeltaRateHigh))
	if sample.Skipped {
		e.samples.WithLabelValues("skipped").Inc()
		return
	}
	e.samples.WithLabelValues("measured").Inc()
	e.received.Add(float64(sample.Delta))
}

func (e *Exporter) SetState(s types.State) {
	e.state.Set(float64(s))
}

func (e *Exporter) RecordConnect(kind types.Kind) {
	e.connects.WithLabelValues(string(kind)).Inc()
}

// Pump observes every sample from samples until the channel closes or the
// exporter is closed.
func (e *Exporter) Pump(samples <-chan types.Sample) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopCh:
				return
			case sample, ok := <-samples:
				if !ok {
					return
				}
				e.Observe(sample)
			}
		}
	}()
}

func (e *Exporter) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}
