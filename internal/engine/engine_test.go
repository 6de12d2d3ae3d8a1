package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saveenergy/quicperf/internal/config"
	perfquic "github.com/saveenergy/quicperf/internal/quic"
	"github.com/saveenergy/quicperf/internal/transport"
	"github.com/saveenergy/quicperf/pkg/types"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ServerListenAddress = "127.0.0.1:0"
	tlsConf, err := perfquic.SelfSignedTLSConfig(cfg.ALPN, "localhost")
	require.NoError(t, err)
	srv, err := perfquic.NewServer(cfg, tlsConf)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })

	client := transport.ClientOptions{InsecureSkipVerify: true, EnableDatagrams: true}
	ep := types.NewEndpoint("127.0.0.1", uint16(srv.Addr().(*net.UDPAddr).Port))
	return Config{
		Endpoint:    ep,
		BindAddress: "127.0.0.1:0",
		TLS:         client.TLSConfig(ep.Host),
		QUIC:        client.QUICConfig(),
	}
}

func TestStartRequiresInitialize(t *testing.T) {
	e := New(Config{Endpoint: types.NewEndpoint("127.0.0.1", 4433)})
	assert.ErrorIs(t, e.Start(), ErrNotInitialized)
	assert.Nil(t, e.LocalAddr())
	assert.NoError(t, e.Close())
}

func TestInitializeIdempotent(t *testing.T) {
	e := New(Config{Endpoint: types.NewEndpoint("127.0.0.1", 4433), BindAddress: "127.0.0.1:0"})
	require.NoError(t, e.Initialize())
	addr := e.LocalAddr()
	require.NotNil(t, addr)

	require.NoError(t, e.Initialize())
	assert.Equal(t, addr.String(), e.LocalAddr().String())

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Initialize(), ErrClosed)
	assert.ErrorIs(t, e.Start(), ErrClosed)
}

func TestInitializeBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	e := New(Config{Endpoint: types.NewEndpoint("127.0.0.1", 4433), BindAddress: taken.LocalAddr().String()})
	assert.Error(t, e.Initialize())
}

func TestEngineReceivesAndStops(t *testing.T) {
	cfg := testConfig(t)

	var mu sync.Mutex
	var states []types.State
	cfg.OnState = func(s types.State, err error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}

	e := New(cfg)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrRunning)

	require.Eventually(t, func() bool { return e.ByteCount() > 0 },
		10*time.Second, 10*time.Millisecond)

	e.Stop()
	final := e.ByteCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, final, e.ByteCount())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.State{types.StateConnecting, types.StateReady, types.StateClosed}, states)
}

func TestStopWithoutStart(t *testing.T) {
	e := New(Config{Endpoint: types.NewEndpoint("127.0.0.1", 4433), BindAddress: "127.0.0.1:0"})
	require.NoError(t, e.Initialize())
	e.Stop()
	e.Stop()
	assert.Equal(t, uint64(0), e.ByteCount())
	require.NoError(t, e.Close())
}

func TestStopAndCloseFromStateCallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.StopGrace = 2 * time.Second

	var e *QUICEngine
	took := make(chan time.Duration, 1)
	cfg.OnState = func(s types.State, _ error) {
		if s != types.StateReady {
			return
		}
		start := time.Now()
		e.Stop()
		assert.NoError(t, e.Close())
		took <- time.Since(start)
	}

	e = New(cfg)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Start())

	select {
	case d := <-took:
		assert.Less(t, d, 500*time.Millisecond, "Stop or Close waited for the engine loop")
	case <-time.After(10 * time.Second):
		t.Fatal("engine never became ready")
	}
	assert.Equal(t, uint64(0), e.ByteCount())
}
