// Package engine is a self-contained user-space QUIC perf engine. It is driven
// through a deliberately small surface (Initialize, Start, Stop, ByteCount,
// Close) so that callers treat it as an opaque component: its socket, its
// protocol handling and its byte counter all live here.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/saveenergy/quicperf/internal/counter"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/transport"
	"github.com/saveenergy/quicperf/pkg/types"
)

// Engine is the surface a perf connection needs from a QUIC engine.
type Engine interface {
	Initialize() error
	Start() error
	Stop()
	ByteCount() uint64
	Close() error
}

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrRunning        = errors.New("engine already running")
	ErrClosed         = errors.New("engine closed")

	errStreamDone = errors.New("stream finished")
)

type Config struct {
	Endpoint    types.Endpoint
	BindAddress string
	TLS         *tls.Config
	QUIC        *quic.Config

	ReceiveChunkSize int
	ConnectTimeout   time.Duration
	StopGrace        time.Duration

	Logger *logging.Logger
	// OnState, if set, is called from the engine loop on every transition.
	// err is non-nil only for StateFailed.
	OnState func(state types.State, err error)
}

// QUICEngine runs one outbound perf connection over its own UDP socket.
type QUICEngine struct {
	cfg Config
	log *logging.Logger

	count counter.Counter
	// callbacks is non-zero while OnState runs on the engine loop. Stop
	// cannot wait for the loop from inside it.
	callbacks atomic.Int32

	mu          sync.Mutex
	udpConn     *net.UDPConn
	tr          *quic.Transport
	initialized bool
	stopped     bool
	closed      bool
	cancel      context.CancelFunc
	conn        *quic.Conn
	done        chan struct{}
}

var _ Engine = (*QUICEngine)(nil)

func New(cfg Config) *QUICEngine {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0:0"
	}
	if cfg.ReceiveChunkSize <= 0 {
		cfg.ReceiveChunkSize = 64 * 1024
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.QUIC == nil {
		cfg.QUIC = &quic.Config{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger("engine")
	}
	return &QUICEngine{cfg: cfg, log: log}
}

// Initialize binds the engine's UDP socket. Calling it again after a
// successful call is a no-op.
func (e *QUICEngine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.initialized {
		return nil
	}

	laddr, err := net.ResolveUDPAddr("udp", e.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	e.udpConn = udpConn
	e.tr = &quic.Transport{Conn: udpConn}
	e.initialized = true

	e.log.Debug("engine initialized",
		logging.Field{Key: "local", Value: udpConn.LocalAddr().String()})
	return nil
}

// Start launches the connect, send and drain loops and returns immediately.
func (e *QUICEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	if e.done != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(ctx, e.done)
	return nil
}

// Stop tears the connection down immediately and waits a bounded grace
// period for in-flight reads to land. The byte count is final afterwards.
// Only the first call waits, and never when called from an OnState
// callback, since the loop cannot finish until the callback returns.
func (e *QUICEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	conn := e.conn
	done := e.done
	again := e.stopped
	e.stopped = true
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.CloseWithError(0, "stopped")
	}
	if done != nil && !again && e.callbacks.Load() == 0 {
		select {
		case <-done:
		case <-time.After(e.cfg.StopGrace):
			e.log.Warn("engine loop did not exit within grace period",
				logging.Field{Key: "grace", Value: e.cfg.StopGrace})
		}
	}
	e.count.Freeze()
}

func (e *QUICEngine) ByteCount() uint64 {
	return e.count.Load()
}

// Close stops the engine and releases its socket.
func (e *QUICEngine) Close() error {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.initialized {
		return nil
	}
	// Transport.Close does not close a socket it was handed.
	return multierr.Combine(e.tr.Close(), e.udpConn.Close())
}

// LocalAddr returns the bound socket address, or nil before Initialize.
func (e *QUICEngine) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.udpConn == nil {
		return nil
	}
	return e.udpConn.LocalAddr()
}

func (e *QUICEngine) setState(s types.State, err error) {
	if e.cfg.OnState == nil {
		return
	}
	e.callbacks.Add(1)
	defer e.callbacks.Add(-1)
	e.cfg.OnState(s, err)
}

func (e *QUICEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.setState(types.StateConnecting, nil)

	conn, err := e.dial(ctx)
	if err != nil {
		e.finish(ctx, err)
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		e.finish(ctx, fmt.Errorf("open stream: %w", err))
		return
	}

	e.setState(types.StateReady, nil)
	if ctx.Err() != nil {
		// Stopped from the Ready callback.
		e.finish(ctx, nil)
		return
	}
	if err := transport.SendFiller(stream); err != nil {
		e.log.Warn("engine send failed", logging.Field{Key: "error", Value: err})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, e.cfg.ReceiveChunkSize)
		if err := transport.Drain(stream, buf, &e.count); err != nil {
			return err
		}
		return errStreamDone
	})
	if e.cfg.QUIC.EnableDatagrams {
		g.Go(func() error {
			return e.drainDatagrams(gctx, conn)
		})
	}
	// The datagram loop only ends with the connection.
	g.Go(func() error {
		<-gctx.Done()
		stream.CancelRead(0)
		conn.CloseWithError(0, "done")
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errStreamDone) {
		err = nil
	}
	e.finish(ctx, err)
}

func (e *QUICEngine) dial(ctx context.Context) (*quic.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", e.cfg.Endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", e.cfg.Endpoint, err)
	}

	dialCtx := ctx
	if e.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := e.tr.Dial(dialCtx, raddr, e.cfg.TLS, e.cfg.QUIC)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.cfg.Endpoint, err)
	}
	return conn, nil
}

func (e *QUICEngine) drainDatagrams(ctx context.Context, conn *quic.Conn) error {
	for {
		msg, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		e.count.Add(uint64(len(msg)))
	}
}

func (e *QUICEngine) finish(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil || transport.IsLocalClose(err) {
		e.log.Debug("engine connection closed",
			logging.Field{Key: "bytes", Value: e.count.Load()})
		e.setState(types.StateClosed, nil)
		return
	}
	e.log.Warn("engine connection failed",
		logging.Field{Key: "endpoint", Value: e.cfg.Endpoint.String()},
		logging.Field{Key: "error", Value: err})
	e.setState(types.StateFailed, err)
}
