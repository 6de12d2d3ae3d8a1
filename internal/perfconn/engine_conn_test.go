package perfconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

type fakeEngine struct {
	mu      sync.Mutex
	initErr error
	calls   []string
	bytes   uint64
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Initialize() error { f.record("initialize"); return f.initErr }
func (f *fakeEngine) Start() error      { f.record("start"); return nil }
func (f *fakeEngine) Stop()             { f.record("stop") }
func (f *fakeEngine) ByteCount() uint64 { return f.bytes }
func (f *fakeEngine) Close() error      { f.record("close"); return nil }

func newFakeEngineConn(t *testing.T, eng *fakeEngine) (*EngineConn, error) {
	t.Helper()
	opts := testOptions().withDefaults()
	c := &EngineConn{
		endpoint: types.NewEndpoint("127.0.0.1", 4433),
		opts:     opts,
		quit:     make(chan struct{}),
		log:      opts.Logger,
	}
	return c, c.attach(eng)
}

func TestEngineConnInitFailure(t *testing.T) {
	eng := &fakeEngine{initErr: errors.New("no socket")}
	_, err := newFakeEngineConn(t, eng)

	require.Error(t, err)
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeInitFailed))
	assert.Equal(t, []string{"initialize", "close"}, eng.Calls())
}

func TestEngineConnDelegates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	eng := &fakeEngine{bytes: 4096}
	c, err := newFakeEngineConn(t, eng)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, uint64(4096), c.Count())

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, []string{"initialize", "start", "stop", "close"}, eng.Calls())
	assert.Equal(t, types.StateClosed, c.State())
}

func TestEngineConnContextCancel(t *testing.T) {
	eng := &fakeEngine{}
	c, err := newFakeEngineConn(t, eng)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return c.State() == types.StateClosed },
		time.Second, 5*time.Millisecond)
	assert.Contains(t, eng.Calls(), "close")
}

func TestEngineConnFailureRecorded(t *testing.T) {
	eng := &fakeEngine{}
	c, err := newFakeEngineConn(t, eng)
	require.NoError(t, err)

	c.onEngineState(types.StateConnecting, nil)
	c.onEngineState(types.StateFailed, errors.New("handshake timeout"))
	// Terminal states are final.
	c.onEngineState(types.StateReady, nil)

	assert.Equal(t, types.StateFailed, c.State())
	assert.True(t, perrors.IsCode(c.Err(), perrors.ErrCodeConnectionFailed))
}
