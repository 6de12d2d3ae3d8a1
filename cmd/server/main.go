// Package server implements `quicperf server`, a "perf" ALPN peer that
// streams data to probe clients.
package server

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/quic"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

type serverFlagValues struct {
	listen        string
	alpn          string
	certFile      string
	keyFile       string
	certDir       string
	noAutoGen     bool
	pprofAddr     string
	statsInterval string
	logLevel      string
	logFile       string
}

func buildServerFlagSet(cfg *config.Config) (*flag.FlagSet, *serverFlagValues) {
	fv := &serverFlagValues{}
	fs := flag.NewFlagSet("quicperf server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.StringVar(&fv.listen, "listen", cfg.ServerListenAddress, "UDP listen address")
	fs.StringVar(&fv.listen, "l", cfg.ServerListenAddress, "UDP listen address (short)")
	fs.StringVar(&fv.alpn, "alpn", cfg.ALPN, "ALPN protocol")
	fs.StringVar(&fv.certFile, "cert", cfg.TLSCertFile, "TLS certificate file")
	fs.StringVar(&fv.keyFile, "key", cfg.TLSKeyFile, "TLS key file")
	fs.StringVar(&fv.certDir, "cert-dir", cfg.CertDir, "Directory for the generated certificate")
	fs.BoolVar(&fv.noAutoGen, "no-autogen", !cfg.TLSAutoGen, "Fail instead of generating a self-signed certificate")
	fs.StringVar(&fv.pprofAddr, "pprof", cfg.PprofAddress, "Serve net/http/pprof on this address")
	fs.StringVar(&fv.statsInterval, "stats-interval", "", "Log runtime stats every interval (e.g. 30s)")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.logFile, "log-file", cfg.LogFile, "Also write logs to this file (rotated)")
	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags into cfg. Durations
// are parsed before anything is written so a bad value leaves cfg untouched.
func applyServerFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *serverFlagValues) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var statsInterval time.Duration
	if set["stats-interval"] {
		d, err := time.ParseDuration(fv.statsInterval)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid --stats-interval %q", fv.statsInterval)
		}
		statsInterval = d
	}

	if set["listen"] || set["l"] {
		cfg.ServerListenAddress = fv.listen
	}
	if set["alpn"] {
		cfg.ALPN = fv.alpn
	}
	if set["cert"] {
		cfg.TLSCertFile = fv.certFile
	}
	if set["key"] {
		cfg.TLSKeyFile = fv.keyFile
	}
	if set["cert-dir"] {
		cfg.CertDir = fv.certDir
	}
	if set["no-autogen"] {
		cfg.TLSAutoGen = !fv.noAutoGen
	}
	if set["pprof"] {
		cfg.PprofAddress = fv.pprofAddr
	}
	if set["stats-interval"] {
		cfg.StatsInterval = statsInterval
	}
	if set["log-level"] {
		cfg.LogLevel = fv.logLevel
	}
	if set["log-file"] {
		cfg.LogFile = fv.logFile
	}
	return nil
}

func Run(args []string, version string) int {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf server: %v\n", err)
		return exitUsage
	}

	fs, fv := buildServerFlagSet(cfg)
	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help (short)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *help {
		printUsage(fs)
		return exitSuccess
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "quicperf server: unexpected argument %q\n", fs.Arg(0))
		return exitUsage
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf server: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf server: invalid configuration: %v\n", err)
		return exitUsage
	}

	logging.InitWithOptions(logging.ParseLevel(cfg.LogLevel), logging.Options{File: cfg.LogFile})
	defer logging.GetLogger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, version, nil); err != nil {
		logging.Error("Server failed", logging.Field{Key: "error", Value: err})
		fmt.Fprintf(os.Stderr, "quicperf server: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

// serve runs the perf server until ctx ends. ready, if set, is called with
// the bound address once the listener is up.
func serve(ctx context.Context, cfg *config.Config, version string, ready func(net.Addr)) error {
	tlsConfig, err := quic.GetTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	perf, err := quic.NewServer(cfg, tlsConfig)
	if err != nil {
		return err
	}
	if err := perf.Start(ctx); err != nil {
		return err
	}

	pprofServer := startPprofServer(cfg.PprofAddress)
	startStatsLogger(ctx, cfg.StatsInterval, perf)

	logging.Info("Server starting",
		logging.Field{Key: "version", Value: version},
		logging.Field{Key: "address", Value: perf.Addr().String()},
		logging.Field{Key: "alpn", Value: cfg.ALPN})
	if ready != nil {
		ready(perf.Addr())
	}

	<-ctx.Done()
	logging.Info("Shutting down server...")

	shutdownPprofServer(pprofServer, 5*time.Second)
	if err := perf.Close(); err != nil {
		return err
	}
	logging.Info("Server stopped",
		logging.Field{Key: "bytes_sent", Value: perf.BytesSent()})
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stdout, `Usage: quicperf server [flags]

Run a "perf" ALPN server. Each client stream gets random data until the
requested length has been sent or the client goes away.

Flags:
`)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stdout, `
Environment:
  QUICPERF_SERVER_LISTEN, QUICPERF_ALPN, TLS_CERT_FILE, TLS_KEY_FILE,
  TLS_AUTO_GEN, QUICPERF_PPROF_ADDR, QUICPERF_STATS_INTERVAL, LOG_LEVEL

Examples:
  quicperf server
  quicperf server -l 127.0.0.1:4433 --stats-interval 30s
  quicperf server --cert cert.pem --key key.pem
`)
}
