package perfconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/saveenergy/quicperf/internal/counter"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/transport"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

// StreamConn dials with quic-go and drives a single bidirectional stream.
// One goroutine owns the whole lifecycle: connect, the single send on
// readiness, and the receive loop.
type StreamConn struct {
	endpoint types.Endpoint
	opts     Options
	tlsConf  *tls.Config
	quicConf *quic.Config
	log      *logging.Logger

	count counter.Counter
	state stateBox
	// callbacks is non-zero while OnState runs. Stop from inside a callback
	// must not wait for the loop that is running it.
	callbacks atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	conn    *quic.Conn
	stream  *quic.Stream
	done    chan struct{}
	err     error
}

var _ PerfConn = (*StreamConn)(nil)

var recvPool sync.Pool

func getRecvBuffer(size int) []byte {
	if buf, ok := recvPool.Get().([]byte); ok && cap(buf) >= size {
		return buf[:size]
	}
	return make([]byte, size)
}

func NewStreamConn(ep types.Endpoint, opts Options) *StreamConn {
	opts = opts.withDefaults()
	return &StreamConn{
		endpoint: ep,
		opts:     opts,
		tlsConf:  opts.Client.TLSConfig(ep.Host),
		quicConf: opts.Client.QUICConfig(),
		log: opts.Logger.With(
			logging.Field{Key: "backend", Value: string(types.KindStream)},
			logging.Field{Key: "endpoint", Value: ep.String()}),
	}
}

func (c *StreamConn) Kind() types.Kind         { return types.KindStream }
func (c *StreamConn) Endpoint() types.Endpoint { return c.endpoint }
func (c *StreamConn) Count() uint64            { return c.count.Load() }
func (c *StreamConn) State() types.State       { return c.state.Load() }

func (c *StreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *StreamConn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return perrors.ErrClosed("connection stopped")
	}
	if c.started {
		return perrors.ErrAlreadyStarted(types.KindStream)
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx)
	return nil
}

func (c *StreamConn) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, conn, stream, done := c.cancel, c.conn, c.stream, c.done
	c.mu.Unlock()

	if cancel == nil {
		// Never started.
		c.count.Freeze()
		c.transition(types.StateClosed)
		return nil
	}

	cancel()
	if stream != nil {
		stream.CancelRead(0)
	}
	if conn != nil {
		conn.CloseWithError(0, "stopped")
	}

	if c.callbacks.Load() == 0 {
		select {
		case <-done:
		case <-time.After(c.opts.StopGrace):
			c.log.Warn("receive loop did not exit within grace period",
				logging.Field{Key: "grace", Value: c.opts.StopGrace})
		}
	}
	c.count.Freeze()
	c.transition(types.StateClosed)
	return nil
}

func (c *StreamConn) transition(s types.State) {
	if !c.state.advance(s) {
		return
	}
	c.log.Debug("state", logging.Field{Key: "state", Value: s.String()})
	if c.opts.OnState != nil {
		c.callbacks.Add(1)
		defer c.callbacks.Add(-1)
		c.opts.OnState(s)
	}
}

func (c *StreamConn) run(ctx context.Context) {
	defer close(c.done)

	c.transition(types.StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.finish(ctx, err)
		return
	}
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.finish(ctx, fmt.Errorf("open stream: %w", err))
		return
	}

	c.mu.Lock()
	c.conn, c.stream = conn, stream
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		// Stop ran while we were connecting and saw no conn to close.
		c.finish(ctx, nil)
		return
	}

	// Reads do not observe ctx; tear down from outside when it ends.
	unwatch := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		conn.CloseWithError(0, "cancelled")
	})
	defer unwatch()

	c.transition(types.StateReady)
	if ctx.Err() != nil {
		// Stopped from the Ready callback.
		c.finish(ctx, nil)
		return
	}
	c.onReady(stream)

	buf := getRecvBuffer(c.opts.ReceiveChunkSize)
	err = transport.Drain(stream, buf, &c.count)
	recvPool.Put(buf[:cap(buf)])
	c.finish(ctx, err)
}

func (c *StreamConn) dial(ctx context.Context) (*quic.Conn, error) {
	dialCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := quic.DialAddr(dialCtx, c.endpoint.Address(), c.tlsConf, c.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial QUIC: %w", err)
	}
	return conn, nil
}

// onReady sends the filler exactly once. A send failure is logged and the
// receive loop still runs.
func (c *StreamConn) onReady(stream *quic.Stream) {
	if err := transport.SendFiller(stream); err != nil {
		c.log.Warn("send failed", logging.Field{Key: "error", Value: err})
	}
}

func (c *StreamConn) finish(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil || transport.IsLocalClose(err) {
		c.log.Debug("connection closed", logging.Field{Key: "bytes", Value: c.count.Load()})
		c.transition(types.StateClosed)
		return
	}

	c.mu.Lock()
	c.err = perrors.ErrConnectionFailed("connection to "+c.endpoint.String()+" failed", err)
	c.mu.Unlock()

	c.log.Warn("connection failed", logging.Field{Key: "error", Value: err})
	c.transition(types.StateFailed)
}
