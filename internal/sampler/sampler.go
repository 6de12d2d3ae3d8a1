// Package sampler turns a monotonically increasing byte counter into periodic
// delta and rate samples.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/saveenergy/quicperf/internal/logging"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

const DefaultInterval = 100 * time.Millisecond

// Source is anything with a running byte count.
type Source interface {
	Count() uint64
}

// SourceFunc adapts a function to Source.
type SourceFunc func() uint64

func (f SourceFunc) Count() uint64 { return f() }

type Config struct {
	Interval time.Duration
	// Clock defaults to the wall clock. Tests pass clock.NewMock().
	Clock  clock.Clock
	Logger *logging.Logger
}

type Sampler struct {
	interval time.Duration
	clock    clock.Clock
	log      *logging.Logger

	mu       sync.Mutex
	source   Source
	previous uint64
	last     types.Sample
	subs     map[uint64]chan types.Sample
	nextSub  uint64
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) (*Sampler, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < time.Millisecond {
		return nil, perrors.ErrInvalidConfig(
			fmt.Sprintf("sample interval %s is below 1ms", cfg.Interval), nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("sampler")
	}
	return &Sampler{
		interval: cfg.Interval,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		subs:     make(map[uint64]chan types.Sample),
	}, nil
}

func (s *Sampler) Interval() time.Duration { return s.interval }

// Compute derives one sample from the previous and current counts and
// returns the previous count to carry into the next tick.
//
// A zero count means no connection has delivered data; the sample is marked
// skipped and the baseline is cleared. A count below the previous one means
// the counter was replaced without a Reset; the delta is zero and the new
// count becomes the baseline.
func Compute(previous, count uint64, interval time.Duration) (types.Sample, uint64) {
	sample := types.Sample{Count: count, PreviousCount: previous}
	if count == 0 {
		sample.PreviousCount = 0
		sample.Skipped = true
		return sample, 0
	}
	if count < previous {
		return sample, count
	}

	ms := uint64(interval.Milliseconds())
	if ms == 0 {
		ms = 1
	}
	sample.Delta = count - previous
	sample.DeltaRateLow = (sample.Delta / ms) * 8
	sample.DeltaRateHigh = sample.DeltaRateLow / 1000
	return sample, count
}

// SetSource replaces the counter being sampled. A nil source reads as zero.
func (s *Sampler) SetSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Reset forgets the previous count so the next tick measures from zero.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = 0
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() types.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Subscribe returns a channel of samples. A subscriber that falls more than
// buffer samples behind misses samples; the tick never blocks on it. The
// channel is closed by cancel or by Stop.
func (s *Sampler) Subscribe(buffer int) (<-chan types.Sample, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.Sample, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Start launches the tick loop. It can be called only once.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return perrors.ErrClosed("sampler stopped")
	}
	if s.started {
		return &perrors.ProbeError{Code: perrors.ErrCodeAlreadyStarted, Message: "sampler already running"}
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	// Create the ticker before returning so a mock clock advanced right
	// after Start is observed.
	ticker := s.clock.Ticker(s.interval)
	go s.loop(ctx, ticker)

	s.log.Debug("sampler started", logging.Field{Key: "interval", Value: s.interval})
	return nil
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Stop ends the tick loop and closes every subscriber channel.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Sampler) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	s.mu.Lock()
	var count uint64
	if s.source != nil {
		count = s.source.Count()
	}
	sample, next := Compute(s.previous, count, s.interval)
	sample.Timestamp = s.clock.Now()
	s.previous = next
	s.last = sample

	for _, ch := range s.subs {
		select {
		case ch <- sample:
		default:
		}
	}
	s.mu.Unlock()
}
