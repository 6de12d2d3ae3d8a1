package perfconn

import (
	"context"
	"sync"

	"github.com/saveenergy/quicperf/internal/engine"
	"github.com/saveenergy/quicperf/internal/logging"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

// EngineConn adapts an engine.Engine to PerfConn. The engine owns its socket,
// its loops and its byte counter; EngineConn only sequences calls into it.
type EngineConn struct {
	endpoint types.Endpoint
	opts     Options
	eng      engine.Engine
	log      *logging.Logger

	state stateBox

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	err     error
}

var _ PerfConn = (*EngineConn)(nil)

// NewEngineConn builds and initializes the bundled QUIC engine.
func NewEngineConn(ep types.Endpoint, opts Options) (*EngineConn, error) {
	opts = opts.withDefaults()
	c := &EngineConn{
		endpoint: ep,
		opts:     opts,
		quit:     make(chan struct{}),
		log: opts.Logger.With(
			logging.Field{Key: "backend", Value: string(types.KindEngine)},
			logging.Field{Key: "endpoint", Value: ep.String()}),
	}
	eng := engine.New(engine.Config{
		Endpoint:         ep,
		BindAddress:      opts.EngineBindAddress,
		TLS:              opts.Client.TLSConfig(ep.Host),
		QUIC:             opts.Client.QUICConfig(),
		ReceiveChunkSize: opts.ReceiveChunkSize,
		ConnectTimeout:   opts.ConnectTimeout,
		StopGrace:        opts.StopGrace,
		Logger:           c.log,
		OnState:          c.onEngineState,
	})
	if err := c.attach(eng); err != nil {
		return nil, err
	}
	return c, nil
}

// attach initializes eng and takes ownership of it.
func (c *EngineConn) attach(eng engine.Engine) error {
	if err := eng.Initialize(); err != nil {
		c.log.Error("engine initialization failed", logging.Field{Key: "error", Value: err})
		_ = eng.Close()
		return perrors.ErrInitFailed(types.KindEngine, err)
	}
	c.eng = eng
	return nil
}

func (c *EngineConn) Kind() types.Kind         { return types.KindEngine }
func (c *EngineConn) Endpoint() types.Endpoint { return c.endpoint }
func (c *EngineConn) Count() uint64            { return c.eng.ByteCount() }
func (c *EngineConn) State() types.State       { return c.state.Load() }

func (c *EngineConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *EngineConn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return perrors.ErrClosed("connection stopped")
	}
	if c.started {
		return perrors.ErrAlreadyStarted(types.KindEngine)
	}
	if err := c.eng.Start(); err != nil {
		return perrors.ErrInitFailed(types.KindEngine, err)
	}
	c.started = true

	// The engine has no notion of a context; tie its lifetime to ctx here.
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.quit:
		}
	}()
	return nil
}

func (c *EngineConn) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.quit)
	c.mu.Unlock()

	c.eng.Stop()
	err := c.eng.Close()
	c.transition(types.StateClosed)
	if err != nil {
		c.log.Debug("engine close", logging.Field{Key: "error", Value: err})
	}
	return nil
}

func (c *EngineConn) onEngineState(s types.State, err error) {
	if err != nil {
		c.mu.Lock()
		c.err = perrors.ErrConnectionFailed("connection to "+c.endpoint.String()+" failed", err)
		c.mu.Unlock()
	}
	c.transition(s)
}

func (c *EngineConn) transition(s types.State) {
	if !c.state.advance(s) {
		return
	}
	c.log.Debug("state", logging.Field{Key: "state", Value: s.String()})
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
