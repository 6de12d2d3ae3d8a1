// Package check implements `quicperf check`, a short probe that answers
// whether a perf server is reachable and streaming.
package check

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/pkg/types"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const (
	minDuration = 500 * time.Millisecond
	maxDuration = 60 * time.Second
)

// CheckResult is the structured output of quicperf check.
type CheckResult struct {
	SchemaVersion string     `json:"schema_version"`
	Status        string     `json:"status"`
	Endpoint      string     `json:"endpoint"`
	Backend       types.Kind `json:"backend"`
	State         string     `json:"state"`
	Bytes         uint64     `json:"bytes"`
	AvgKbps       uint64     `json:"avg_kbps"`
	PeakKbps      uint64     `json:"peak_kbps"`
	Error         string     `json:"error,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
}

// runCheckFn runs the probe. Tests replace it.
var runCheckFn = runCheck

func Run(args []string, version string) int {
	flagSet := flag.NewFlagSet("quicperf check", flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)

	var (
		backend  string
		jsonOut  bool
		insecure bool
		caFile   string
		duration time.Duration
	)
	flagSet.StringVar(&backend, "backend", "stream", "Backend: stream, engine")
	flagSet.StringVar(&backend, "b", "stream", "Backend: stream, engine (short)")
	flagSet.BoolVar(&jsonOut, "json", false, "Output as JSON")
	flagSet.BoolVar(&insecure, "insecure", false, "Skip server certificate verification")
	flagSet.StringVar(&caFile, "ca-file", "", "PEM file of CAs to trust")
	flagSet.DurationVar(&duration, "duration", 3*time.Second, "How long to measure")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		return exitUsage
	}

	if *help {
		printUsage()
		return exitSuccess
	}

	if duration < minDuration || duration > maxDuration {
		fmt.Fprintf(os.Stderr, "quicperf check: duration must be between %s and %s\n", minDuration, maxDuration)
		return exitUsage
	}

	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf check: %v\n", err)
		return exitUsage
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		fmt.Fprintln(os.Stderr, "quicperf check: too many positional arguments")
		return exitUsage
	}
	if len(rest) == 1 {
		ep, err := types.ParseEndpoint(rest[0], uint16(cfg.Port))
		if err != nil {
			fmt.Fprintf(os.Stderr, "quicperf check: %v\n", err)
			return exitUsage
		}
		cfg.Host = ep.Host
		cfg.Port = int(ep.Port)
	}
	cfg.Backend = backend
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	if caFile != "" {
		cfg.CAFile = caFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf check: %v\n", err)
		return exitUsage
	}

	logging.Init(logging.LevelWarn)

	ctx, cancel := context.WithTimeout(context.Background(), duration+10*time.Second)
	defer cancel()

	start := time.Now()
	result, err := runCheckFn(ctx, cfg, duration)
	if err != nil {
		if jsonOut {
			errResp := map[string]interface{}{
				"schema_version": probe.SchemaVersion,
				"error":          true,
				"code":           "check_failed",
				"message":        err.Error(),
			}
			if encErr := json.NewEncoder(os.Stdout).Encode(errResp); encErr != nil {
				fmt.Fprintf(os.Stderr, "quicperf check: json encode error: %v\n", encErr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "quicperf check: error: %v\n", err)
		}
		return exitFailure
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}

	if jsonOut {
		if encErr := json.NewEncoder(os.Stdout).Encode(result); encErr != nil {
			fmt.Fprintf(os.Stderr, "quicperf check: json encode error: %v\n", encErr)
			return exitFailure
		}
	} else {
		printHuman(result)
	}

	if result.Status != "ok" {
		return exitFailure
	}
	return exitSuccess
}

func runCheck(ctx context.Context, cfg *config.Config, duration time.Duration) (*CheckResult, error) {
	pc, err := probe.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	pc.Duration = duration
	res, err := probe.Run(ctx, pc)
	if err != nil {
		return nil, err
	}
	return fromResult(res), nil
}

// fromResult grades a probe result: ok when bytes arrived and the connection
// did not fail.
func fromResult(res *probe.Result) *CheckResult {
	out := &CheckResult{
		SchemaVersion: probe.SchemaVersion,
		Status:        "ok",
		Endpoint:      res.Endpoint,
		Backend:       res.Backend,
		Bytes:         res.Bytes,
		AvgKbps:       res.AvgKbps,
		PeakKbps:      res.PeakKbps,
		DurationMs:    int64(res.DurationSecs * 1000),
	}
	if res.Connection != nil {
		out.State = res.Connection.State
		out.Error = res.Connection.Error
	}
	switch {
	case res.Failed():
		out.Status = "failed"
	case res.Bytes == 0:
		out.Status = "no_data"
	}
	return out
}

func printHuman(r *CheckResult) {
	fmt.Printf("Status: %s (%s, %s backend)\n", r.Status, r.Endpoint, r.Backend)
	fmt.Printf("  Received: %d bytes\n", r.Bytes)
	fmt.Printf("  Rate:     %d kbps avg, %d kbps peak\n", r.AvgKbps, r.PeakKbps)
	if r.Error != "" {
		fmt.Printf("  Error:    %s\n", r.Error)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: quicperf check [flags] [host[:port]]

Quick reachability check (~3 seconds). Connects, measures, reports.

Flags:
  -h, --help              Show help
  -b, --backend string    Backend: stream, engine (default: stream)
  --duration dur          How long to measure (default: 3s)
  --insecure              Skip server certificate verification
  --ca-file string        Trust the CAs in this PEM file
  --json                  Output as JSON

Exit codes:
  0   Data received
  1   Connection failed, no data, or error
  2   Usage error

Examples:
  quicperf check --insecure localhost
  quicperf check --json perf.example.com:4433
`)
}
