// Package transport holds the QUIC client parameters and wire helpers shared
// by both perf connection backends.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/saveenergy/quicperf/internal/counter"
)

const DefaultALPN = "perf"

// FillerPayload is sent once per connection when it becomes ready. The perf
// server reads it as a big-endian requested length; all ones means unbounded.
var FillerPayload = [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ClientOptions describes the handshake parameters of a perf client.
type ClientOptions struct {
	ALPN       string
	ServerName string
	// InsecureSkipVerify disables certificate verification entirely. It is a
	// test-endpoint convenience, not a security control.
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool

	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	EnableDatagrams bool
}

// LoadRootCAs reads a PEM bundle into a pool for ClientOptions.RootCAs.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca file %s: no PEM certificates", path)
	}
	return pool, nil
}

func (o ClientOptions) TLSConfig(host string) *tls.Config {
	alpn := o.ALPN
	if alpn == "" {
		alpn = DefaultALPN
	}
	serverName := o.ServerName
	if serverName == "" {
		serverName = host
	}
	return &tls.Config{
		NextProtos:         []string{alpn},
		ServerName:         serverName,
		RootCAs:            o.RootCAs,
		InsecureSkipVerify: o.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
	}
}

func (o ClientOptions) QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  o.MaxIdleTimeout,
		KeepAlivePeriod: o.KeepAlivePeriod,
		EnableDatagrams: o.EnableDatagrams,
	}
}

// Drain reads r until it fails, adding every received byte to c. It returns
// nil when the peer finishes the stream cleanly.
func Drain(r io.Reader, buf []byte, c *counter.Counter) error {
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.Add(uint64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// SendFiller writes the filler payload and closes the send direction. The
// connection and the receive direction stay open.
func SendFiller(s *quic.Stream) error {
	if _, err := s.Write(FillerPayload[:]); err != nil {
		return err
	}
	return s.Close()
}

// IsLocalClose reports whether err is the result of this side tearing the
// connection down.
func IsLocalClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return !appErr.Remote
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return !streamErr.Remote
	}
	return false
}
