package probe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/saveenergy/quicperf/internal/perfconn"
	"github.com/saveenergy/quicperf/internal/session"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

// steadyConn grows by step bytes on every read until stopped.
type steadyConn struct {
	kind    types.Kind
	ep      types.Endpoint
	step    uint64
	count   atomic.Uint64
	stopped atomic.Bool
}

func (c *steadyConn) Start(context.Context) error { return nil }
func (c *steadyConn) Stop() error                 { c.stopped.Store(true); return nil }
func (c *steadyConn) Count() uint64 {
	if c.stopped.Load() {
		return c.count.Load()
	}
	return c.count.Add(c.step)
}
func (c *steadyConn) Kind() types.Kind         { return c.kind }
func (c *steadyConn) Endpoint() types.Endpoint { return c.ep }
func (c *steadyConn) Err() error               { return nil }
func (c *steadyConn) State() types.State {
	if c.stopped.Load() {
		return types.StateClosed
	}
	return types.StateReady
}

type steadyFactory struct {
	mu    sync.Mutex
	step  uint64
	conns []*steadyConn
	err   error
}

func (f *steadyFactory) New(kind types.Kind, ep types.Endpoint, _ perfconn.Options) (perfconn.PerfConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &steadyConn{kind: kind, ep: ep, step: f.step}
	f.conns = append(f.conns, c)
	return c, nil
}

func testConfig(f *steadyFactory) Config {
	return Config{
		Endpoint:       types.NewEndpoint("127.0.0.1", 4433),
		Kind:           types.KindEngine,
		SampleInterval: 10 * time.Millisecond,
		Duration:       120 * time.Millisecond,
		Factory:        f.New,
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRunCollectsSamples(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	factory := &steadyFactory{step: 12500}
	cfg := testConfig(factory)

	var mu sync.Mutex
	var seen []types.Sample
	var connected types.ConnectionInfo
	cfg.OnConnect = func(info types.ConnectionInfo) { connected = info }
	cfg.OnSample = func(s types.Sample, _ time.Duration) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, factory.conns, 1)
	assert.True(t, factory.conns[0].stopped.Load(), "connection stopped at end of run")
	assert.Equal(t, types.KindEngine, connected.Kind)
	assert.NotEmpty(t, connected.ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, len(seen), res.Samples)
	assert.Equal(t, SchemaVersion, res.SchemaVersion)
	assert.Equal(t, "127.0.0.1:4433", res.Endpoint)
	assert.False(t, res.Interrupted)
	assert.False(t, res.Failed())
	require.NotNil(t, res.Connection)
	assert.Equal(t, "closed", res.Connection.State)
	assert.GreaterOrEqual(t, res.Bytes, seen[len(seen)-1].Count)
	assert.Positive(t, res.PeakKbps)
}

func TestRunInterruptedByContext(t *testing.T) {
	factory := &steadyFactory{step: 1}
	cfg := testConfig(factory)
	cfg.Duration = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)

	res, err := Run(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
}

func TestRunCancelledBeforeConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, testConfig(&steadyFactory{}))
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeCancelled), "err = %v", err)
}

func TestRunFactoryError(t *testing.T) {
	boom := errors.New("no socket")
	_, err := Run(context.Background(), testConfig(&steadyFactory{err: boom}))
	assert.ErrorIs(t, err, boom)
}

func TestRunAttach(t *testing.T) {
	factory := &steadyFactory{step: 100}
	cfg := testConfig(factory)
	cfg.Duration = 30 * time.Millisecond

	var attached *session.Session
	var closed atomic.Bool
	cfg.Attach = func(s *session.Session) (io.Closer, error) {
		attached = s
		return closerFunc(func() error { closed.Store(true); return nil }), nil
	}

	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, attached)
	assert.True(t, closed.Load(), "attached closer not closed")

	cfg.Attach = func(*session.Session) (io.Closer, error) { return nil, errors.New("bind") }
	_, err = Run(context.Background(), cfg)
	assert.EqualError(t, err, "bind")
	assert.Len(t, factory.conns, 1, "no connection made after attach failure")
}

func TestTallyResult(t *testing.T) {
	var tl tally
	tl.add(types.Sample{Skipped: true})
	tl.add(types.Sample{Count: 12500, Delta: 12500, DeltaRateLow: 1000, DeltaRateHigh: 1})
	tl.add(types.Sample{Count: 50000, Delta: 37500, DeltaRateLow: 3000, DeltaRateHigh: 3})

	start := time.Unix(0, 0)
	r := tl.result(types.NewEndpoint("localhost", 4433), types.KindStream, start, start.Add(200*time.Millisecond))
	assert.Equal(t, 3, r.Samples)
	assert.Equal(t, 1, r.Skipped)
	assert.EqualValues(t, 3000, r.PeakKbps)
	// 50000 bytes over 200ms: (50000/200)*8 = 2000 kbps.
	assert.EqualValues(t, 2000, r.AvgKbps)
	assert.EqualValues(t, 2, r.AvgMbps)
	assert.Equal(t, "localhost:4433", r.Endpoint)
	assert.InDelta(t, 0.2, r.DurationSecs, 1e-9)
}

func TestResultFailed(t *testing.T) {
	assert.False(t, (&Result{}).Failed())
	assert.True(t, (&Result{Connection: &types.ConnectionInfo{State: "failed"}}).Failed())
}
