package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
)

// RequestSize is the length of the request a client sends on each stream:
// a big-endian count of bytes it wants back. All ones means unbounded.
const RequestSize = 8

const sendChunk = 64 * 1024

// Server is a "perf" ALPN peer. For every bidirectional stream it reads the
// request, then streams random data until the requested length has been
// sent or the client goes away.
type Server struct {
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	randomData []byte
	log        *logging.Logger

	listener *quic.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	wg       sync.WaitGroup
	running  atomic.Bool

	connections atomic.Int64
	bytesSent   atomic.Uint64
}

// NewServer creates a perf server. tlsConfig must carry a certificate; its
// NextProtos is replaced with the configured ALPN.
func NewServer(cfg *config.Config, tlsConfig *tls.Config) (*Server, error) {
	if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("perf server needs a TLS certificate")
	}
	// Pre-generate random data for the send loop (1MB)
	randomData := make([]byte, 1024*1024)
	if _, err := rand.Read(randomData); err != nil {
		return nil, fmt.Errorf("generate payload: %w", err)
	}

	tlsConf := tlsConfig.Clone()
	tlsConf.NextProtos = []string{cfg.ALPN}

	return &Server{
		listenAddr: cfg.ServerListenAddress,
		tlsConfig:  tlsConf,
		quicConfig: &quic.Config{
			MaxIdleTimeout:     cfg.MaxIdleTimeout,
			KeepAlivePeriod:    cfg.KeepAlivePeriod,
			MaxIncomingStreams: 100,
			EnableDatagrams:    cfg.EnableDatagrams,
		},
		randomData: randomData,
		log:        logging.NewLogger("perfserver"),
	}, nil
}

// Start begins listening and returns once the socket is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s.listener = listener
	s.cancel = cancel
	s.group = g
	s.running.Store(true)

	s.log.Info("perf server started",
		logging.Field{Key: "address", Value: listener.Addr().String()},
		logging.Field{Key: "alpn", Value: s.tlsConfig.NextProtos[0]})

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Connections() int64 { return s.connections.Load() }

func (s *Server) BytesSent() uint64 { return s.bytesSent.Load() }

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if !s.running.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	defer s.wg.Done()
	defer conn.CloseWithError(0, "connection closed")

	s.connections.Add(1)
	defer s.connections.Add(-1)

	s.log.Debug("new connection",
		logging.Field{Key: "remote", Value: conn.RemoteAddr().String()})

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go s.handleStream(stream)
	}
}

func (s *Server) handleStream(stream *quic.Stream) {
	defer s.wg.Done()
	defer stream.Close()

	req := make([]byte, RequestSize)
	if _, err := io.ReadFull(stream, req); err != nil {
		s.log.Debug("short request", logging.Field{Key: "error", Value: err})
		return
	}
	// Anything after the request is ignored.
	stream.CancelRead(0)

	length := binary.BigEndian.Uint64(req)
	sent, err := s.send(stream, length)
	s.log.Debug("stream finished",
		logging.Field{Key: "bytes", Value: sent},
		logging.Field{Key: "unbounded", Value: length == math.MaxUint64},
		logging.Field{Key: "error", Value: err})
}

// send writes length bytes of random data to w, or until w fails when length
// is math.MaxUint64.
func (s *Server) send(w io.Writer, length uint64) (uint64, error) {
	var sent uint64
	chunk := s.randomData[:sendChunk]
	for length == math.MaxUint64 || sent < length {
		buf := chunk
		if length != math.MaxUint64 && length-sent < uint64(len(buf)) {
			buf = buf[:length-sent]
		}
		n, err := w.Write(buf)
		sent += uint64(n)
		s.bytesSent.Add(uint64(n))
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Close stops accepting, drops every open connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	errCh := make(chan error, 1)
	go func() {
		err := s.group.Wait()
		s.wg.Wait()
		errCh <- err
	}()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		err = errors.New("perf server handlers did not exit")
	}
	s.log.Info("perf server stopped")
	return err
}
