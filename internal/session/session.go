// Package session owns the single active perf connection and the sampler
// that reports on it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/perfconn"
	"github.com/saveenergy/quicperf/internal/sampler"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

// Factory builds a perf connection. perfconn.New is the default.
type Factory func(kind types.Kind, ep types.Endpoint, opts perfconn.Options) (perfconn.PerfConn, error)

type Config struct {
	Endpoint       types.Endpoint
	Options        perfconn.Options
	SampleInterval time.Duration
	Clock          clock.Clock
	Logger         *logging.Logger
	Factory        Factory
}

type active struct {
	id        string
	conn      perfconn.PerfConn
	startedAt time.Time
}

type Session struct {
	cfg     Config
	sampler *sampler.Sampler
	log     *logging.Logger

	// Connections live as long as the session, not as long as the caller
	// of Connect.
	ctx    context.Context
	cancel context.CancelFunc

	// ops serializes Connect, Disconnect and Close, which may wait on a
	// stopping connection. mu only guards the fields below and is never
	// held across Stop, so readers do not stall during a replace.
	ops    sync.Mutex
	mu     sync.Mutex
	active *active
	closed bool
}

func New(cfg Config) (*Session, error) {
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, perrors.ErrInvalidConfig("invalid endpoint", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("session")
	}
	if cfg.Factory == nil {
		cfg.Factory = perfconn.New
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	smp, err := sampler.New(sampler.Config{
		Interval: cfg.SampleInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		sampler: smp,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect replaces the active connection with a new one of the given kind.
// The old connection is stopped first and the sampler baseline is reset so
// the next sample measures only the new connection. ctx only guards the call;
// the connection runs until Disconnect, the next Connect, or Close.
func (s *Session) Connect(ctx context.Context, kind types.Kind) (types.ConnectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ConnectionInfo{}, perrors.ErrCancelled(err)
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.ConnectionInfo{}, perrors.ErrClosed("session closed")
	}
	old := s.detachLocked()
	s.mu.Unlock()

	if err := s.stop(old); err != nil {
		s.log.Warn("stop previous connection", logging.Field{Key: "error", Value: err})
	}

	id := uuid.NewString()
	log := s.log.With(logging.Field{Key: "conn", Value: id})

	opts := s.cfg.Options
	opts.Logger = log
	userHook := opts.OnState
	opts.OnState = func(st types.State) {
		log.Info("connection state", logging.Field{Key: "state", Value: st.String()})
		if userHook != nil {
			userHook(st)
		}
	}

	conn, err := s.cfg.Factory(kind, s.cfg.Endpoint, opts)
	if err != nil {
		return types.ConnectionInfo{}, err
	}
	if err := conn.Start(s.ctx); err != nil {
		_ = conn.Stop()
		return types.ConnectionInfo{}, err
	}

	s.mu.Lock()
	s.active = &active{id: id, conn: conn, startedAt: time.Now()}
	s.sampler.SetSource(conn)
	s.sampler.Reset()
	info := s.infoLocked()
	s.mu.Unlock()

	if !s.sampler.Running() {
		if err := s.sampler.Start(); err != nil {
			return types.ConnectionInfo{}, err
		}
	}

	log.Info("connection started",
		logging.Field{Key: "backend", Value: string(kind)},
		logging.Field{Key: "endpoint", Value: s.cfg.Endpoint.String()})
	return info, nil
}

// Disconnect stops the active connection. Without one it does nothing.
func (s *Session) Disconnect() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	old := s.detachLocked()
	s.mu.Unlock()
	return s.stop(old)
}

// detachLocked clears the active connection and points the sampler away
// from it. The caller stops the returned connection without holding mu.
func (s *Session) detachLocked() *active {
	old := s.active
	s.active = nil
	s.sampler.SetSource(nil)
	s.sampler.Reset()
	return old
}

func (s *Session) stop(old *active) error {
	if old == nil {
		return nil
	}
	err := old.conn.Stop()
	s.log.Info("connection stopped",
		logging.Field{Key: "conn", Value: old.id},
		logging.Field{Key: "bytes", Value: old.conn.Count()})
	return err
}

// Count returns the active connection's byte count, or zero.
func (s *Session) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.conn.Count()
}

// Active describes the active connection, if any.
func (s *Session) Active() (types.ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return types.ConnectionInfo{}, false
	}
	return s.infoLocked(), true
}

func (s *Session) infoLocked() types.ConnectionInfo {
	a := s.active
	info := types.ConnectionInfo{
		ID:        a.id,
		Kind:      a.conn.Kind(),
		Endpoint:  a.conn.Endpoint().String(),
		State:     a.conn.State().String(),
		Count:     a.conn.Count(),
		StartedAt: a.startedAt,
	}
	if err := a.conn.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (s *Session) Endpoint() types.Endpoint { return s.cfg.Endpoint }

func (s *Session) Subscribe(buffer int) (<-chan types.Sample, func()) {
	return s.sampler.Subscribe(buffer)
}

func (s *Session) Latest() types.Sample { return s.sampler.Latest() }

func (s *Session) SampleInterval() time.Duration { return s.sampler.Interval() }

// Close stops the active connection and the sampler. Closing twice is a no-op.
func (s *Session) Close() error {
	s.ops.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ops.Unlock()
		return nil
	}
	s.closed = true
	old := s.detachLocked()
	s.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, s.stop(old))
	s.ops.Unlock()

	s.sampler.Stop()
	s.cancel()
	return errs
}
