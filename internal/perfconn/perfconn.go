// Package perfconn defines the performance connection contract and its two
// transport backends.
//
// A PerfConn connects to one endpoint, sends a single filler payload once the
// connection is ready, then drains and counts every inbound byte until it is
// stopped. Failures after Start never propagate as errors: they are logged
// and leave the byte count where it was.
package perfconn

import (
	"context"
	"crypto/x509"
	"sync/atomic"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/transport"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

type PerfConn interface {
	// Start begins connecting and returns without waiting for the handshake.
	// ctx bounds the lifetime of the connection, not just the call.
	Start(ctx context.Context) error
	// Stop tears the connection down immediately. It is safe before the
	// connection is ready and safe to call twice. No bytes are counted
	// after Stop returns.
	Stop() error
	// Count returns the bytes received so far. It never blocks.
	Count() uint64

	Kind() types.Kind
	Endpoint() types.Endpoint
	State() types.State
	// Err returns the cause of a StateFailed connection.
	Err() error
}

type Options struct {
	Client transport.ClientOptions

	ReceiveChunkSize int
	StopGrace        time.Duration
	ConnectTimeout   time.Duration

	// EngineBindAddress is the local UDP address of the engine backend.
	EngineBindAddress string

	Logger *logging.Logger
	// OnState observes state transitions. It runs on the backend's loop
	// and must not block.
	OnState func(types.State)
}

// OptionsFromConfig maps cfg onto Options. It fails only when cfg.CAFile
// cannot be loaded.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	var roots *x509.CertPool
	if cfg.CAFile != "" {
		pool, err := transport.LoadRootCAs(cfg.CAFile)
		if err != nil {
			return Options{}, perrors.ErrInvalidConfig("load ca file", err)
		}
		roots = pool
	}
	return Options{
		Client: transport.ClientOptions{
			ALPN:               cfg.ALPN,
			ServerName:         cfg.ServerName,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			RootCAs:            roots,
			MaxIdleTimeout:     cfg.MaxIdleTimeout,
			KeepAlivePeriod:    cfg.KeepAlivePeriod,
			EnableDatagrams:    cfg.EnableDatagrams,
		},
		ReceiveChunkSize:  cfg.ReceiveChunkSize,
		StopGrace:         cfg.StopGrace,
		ConnectTimeout:    cfg.ConnectTimeout,
		EngineBindAddress: cfg.EngineBindAddress,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.ReceiveChunkSize <= 0 {
		o.ReceiveChunkSize = 64 * 1024
	}
	if o.ReceiveChunkSize > config.MaxReceiveChunk {
		o.ReceiveChunkSize = config.MaxReceiveChunk
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewLogger("perfconn")
	}
	return o
}

// New builds a connection of the given kind. Nothing touches the network
// until Start, except that the engine backend binds its socket here so an
// unusable engine is reported now rather than after Start.
func New(kind types.Kind, ep types.Endpoint, opts Options) (PerfConn, error) {
	if err := ep.Validate(); err != nil {
		return nil, perrors.ErrInvalidConfig("invalid endpoint", err)
	}
	opts = opts.withDefaults()

	switch kind {
	case types.KindStream:
		return NewStreamConn(ep, opts), nil
	case types.KindEngine:
		return NewEngineConn(ep, opts)
	default:
		return nil, perrors.ErrInvalidConfig("unknown backend "+string(kind), nil)
	}
}

// stateBox holds a forward-only State.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() types.State {
	return types.State(b.v.Load())
}

// advance moves to next if it is later than the current state. Terminal
// states are final.
func (b *stateBox) advance(next types.State) bool {
	for {
		cur := types.State(b.v.Load())
		if cur.Terminal() || next <= cur {
			return false
		}
		if b.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}
