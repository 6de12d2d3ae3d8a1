// Package probe runs one timed measurement: it opens a session, connects a
// single perf connection, folds the sampler output into a Result and tears
// everything down.
package probe

import (
	"context"
	"io"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/perfconn"
	"github.com/saveenergy/quicperf/internal/sampler"
	"github.com/saveenergy/quicperf/internal/session"
	"github.com/saveenergy/quicperf/pkg/types"
)

const SchemaVersion = "1.0"

type Config struct {
	Endpoint       types.Endpoint
	Kind           types.Kind
	Options        perfconn.Options
	SampleInterval time.Duration
	// Duration bounds the run. Zero runs until ctx ends.
	Duration time.Duration
	Factory  session.Factory
	Logger   *logging.Logger

	OnConnect func(types.ConnectionInfo)
	OnSample  func(sample types.Sample, elapsed time.Duration)
	// Attach runs once the session exists and before it connects. The
	// returned closer is closed before the session.
	Attach func(*session.Session) (io.Closer, error)
}

// ConfigFrom fills the connection side of a Config from cfg.
func ConfigFrom(cfg *config.Config) (Config, error) {
	opts, err := perfconn.OptionsFromConfig(cfg)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:       cfg.Endpoint(),
		Kind:           cfg.Kind(),
		Options:        opts,
		SampleInterval: cfg.SampleInterval,
	}, nil
}

// Result is the report of one run.
type Result struct {
	SchemaVersion string                `json:"schema_version"`
	Endpoint      string                `json:"endpoint"`
	Backend       types.Kind            `json:"backend"`
	Connection    *types.ConnectionInfo `json:"connection,omitempty"`
	Bytes         uint64                `json:"bytes"`
	Samples       int                   `json:"samples"`
	Skipped       int                   `json:"skipped"`
	PeakKbps      uint64                `json:"peak_kbps"`
	AvgKbps       uint64                `json:"avg_kbps"`
	AvgMbps       uint64                `json:"avg_mbps"`
	StartTime     string                `json:"start_time"`
	EndTime       string                `json:"end_time"`
	DurationSecs  float64               `json:"duration_seconds"`
	Interrupted   bool                  `json:"interrupted,omitempty"`
}

// Failed reports whether the connection ended in StateFailed.
func (r *Result) Failed() bool {
	return r.Connection != nil && r.Connection.State == types.StateFailed.String()
}

// Run connects once and collects samples until the duration elapses or ctx
// ends. Errors are returned only for setup; a connection that fails after
// Start is reported through Result.Connection.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("probe")
	}

	sess, err := session.New(session.Config{
		Endpoint:       cfg.Endpoint,
		Options:        cfg.Options,
		SampleInterval: cfg.SampleInterval,
		Logger:         cfg.Logger,
		Factory:        cfg.Factory,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			cfg.Logger.Warn("session close", logging.Field{Key: "error", Value: err})
		}
	}()

	if cfg.Attach != nil {
		closer, err := cfg.Attach(sess)
		if err != nil {
			return nil, err
		}
		defer closer.Close()
	}

	samples, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()

	startTime := time.Now()
	info, err := sess.Connect(ctx, cfg.Kind)
	if err != nil {
		return nil, err
	}
	if cfg.OnConnect != nil {
		cfg.OnConnect(info)
	}

	var deadline <-chan time.Time
	if cfg.Duration > 0 {
		timer := time.NewTimer(cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var t tally
	interrupted := false
loop:
	for {
		select {
		case <-ctx.Done():
			interrupted = true
			break loop
		case <-deadline:
			break loop
		case sample, ok := <-samples:
			if !ok {
				break loop
			}
			t.add(sample)
			if cfg.OnSample != nil {
				cfg.OnSample(sample, time.Since(startTime))
			}
		}
	}

	endTime := time.Now()
	active, hasActive := sess.Active()
	if err := sess.Disconnect(); err != nil {
		cfg.Logger.Warn("disconnect", logging.Field{Key: "error", Value: err})
	}

	if hasActive && active.Count > t.bytes {
		t.bytes = active.Count
	}
	result := t.result(cfg.Endpoint, cfg.Kind, startTime, endTime)
	if hasActive {
		if active.State != types.StateFailed.String() {
			active.State = types.StateClosed.String()
		}
		result.Connection = &active
	}
	result.Interrupted = interrupted
	return result, nil
}

// tally folds samples into a Result.
type tally struct {
	samples int
	skipped int
	peak    uint64
	bytes   uint64
}

func (t *tally) add(sample types.Sample) {
	t.samples++
	if sample.Skipped {
		t.skipped++
		return
	}
	if sample.DeltaRateLow > t.peak {
		t.peak = sample.DeltaRateLow
	}
	if sample.Count > t.bytes {
		t.bytes = sample.Count
	}
}

func (t *tally) result(ep types.Endpoint, kind types.Kind, start, end time.Time) *Result {
	elapsed := end.Sub(start)
	avg, _ := sampler.Compute(0, t.bytes, elapsed)
	return &Result{
		SchemaVersion: SchemaVersion,
		Endpoint:      ep.String(),
		Backend:       kind,
		Bytes:         t.bytes,
		Samples:       t.samples,
		Skipped:       t.skipped,
		PeakKbps:      t.peak,
		AvgKbps:       avg.DeltaRateLow,
		AvgMbps:       avg.DeltaRateHigh,
		StartTime:     start.Format(time.RFC3339),
		EndTime:       end.Format(time.RFC3339),
		DurationSecs:  elapsed.Seconds(),
	}
}
