package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/metrics"
	"github.com/saveenergy/quicperf/internal/perfconn"
	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/internal/session"
	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

// connFactory builds perf connections. Tests swap it for a fake.
var connFactory session.Factory = perfconn.New

// Run is the entry point of `quicperf client`.
func Run(args []string, version string) int {
	flags, flagsSet, code, err := parseFlags(args, version)
	if err != nil || flags == nil {
		return code
	}
	if err := validateConfig(flags); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf client: error: %v\n", err)
		return exitUsage
	}
	cfg, err := buildConfig(flags, flagsSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quicperf client: error: %v\n", err)
		return exitUsage
	}

	logging.InitWithOptions(logging.ParseLevel(cfg.LogLevel), logging.Options{File: cfg.LogFile})
	defer logging.GetLogger().Sync()

	if !flags.JSON && !flags.NDJSON && !flags.Plain {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			flags.Plain = true
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		flags.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var out io.Writer = os.Stdout
	if flags.Quiet {
		out = io.Discard
	}
	formatter := createFormatter(flags, out)

	result, err := runProbe(ctx, cfg, flags, formatter, version)
	if err != nil {
		formatter.FormatError(err)
		if perrors.IsContextError(err) {
			return exitInterrupt
		}
		return exitFailure
	}
	formatter.FormatComplete(result)
	if err := formatterLastError(formatter); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf client: output error: %v\n", err)
		return exitFailure
	}
	if result.Interrupted {
		return exitInterrupt
	}
	if result.Failed() {
		return exitFailure
	}
	return exitSuccess
}

// runProbe connects once and renders samples until ctx ends or the duration
// elapses. With an HTTP address it also serves the observers for the run.
func runProbe(ctx context.Context, cfg *config.Config, flags *Config, formatter OutputFormatter, version string) (*probe.Result, error) {
	pc, err := probe.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	pc.Duration = flags.Duration
	pc.Factory = connFactory
	pc.OnConnect = formatter.FormatConnected
	pc.OnSample = formatter.FormatSample

	if cfg.HTTPAddress != "" {
		exporter := metrics.NewExporter()
		defer exporter.Close()
		pc.Options.OnState = exporter.SetState
		pc.OnConnect = func(info types.ConnectionInfo) {
			exporter.RecordConnect(info.Kind)
			formatter.FormatConnected(info)
		}
		pc.Attach = func(sess *session.Session) (io.Closer, error) {
			obs, err := startObservers(cfg, sess, exporter, version)
			if err != nil {
				return nil, err
			}
			return obs, nil
		}
	}

	return probe.Run(ctx, pc)
}

func createFormatter(flags *Config, w io.Writer) OutputFormatter {
	if flags.JSON {
		return &JSONFormatter{writer: w}
	}
	if flags.NDJSON {
		return &NDJSONFormatter{writer: w}
	}
	if flags.Plain {
		return NewPlainFormatter(w, flags.Verbose)
	}
	return NewInteractiveFormatter(w, flags.Verbose, flags.NoColor)
}

func formatterLastError(f OutputFormatter) error {
	type lastErrorer interface{ LastError() error }
	if le, ok := f.(lastErrorer); ok {
		return le.LastError()
	}
	return nil
}
