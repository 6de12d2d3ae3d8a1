package client

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/pkg/types"
)

const (
	maxDuration = 24 * time.Hour
)

func parseFlags(args []string, version string) (*Config, map[string]bool, int, error) {
	cfg := &Config{}
	flagsSet := make(map[string]bool)

	flagSet := flag.NewFlagSet("quicperf client", flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&cfg.Host, "host", "", "Perf server host")
	flagSet.StringVar(&cfg.Host, "H", "", "Perf server host (short)")
	flagSet.IntVar(&cfg.Port, "port", 0, "Perf server UDP port")
	flagSet.IntVar(&cfg.Port, "p", 0, "Perf server UDP port (short)")
	flagSet.StringVar(&cfg.Backend, "backend", "", "Backend: stream, engine")
	flagSet.StringVar(&cfg.Backend, "b", "", "Backend: stream, engine (short)")
	flagSet.StringVar(&cfg.ServerName, "server-name", "", "TLS server name (defaults to host)")
	flagSet.StringVar(&cfg.CAFile, "ca-file", "", "PEM file of CAs to trust for the server certificate")
	flagSet.BoolVar(&cfg.Insecure, "insecure", false, "Skip server certificate verification")
	flagSet.DurationVar(&cfg.Interval, "interval", 0, "Sample interval (e.g. 100ms)")
	flagSet.DurationVar(&cfg.Interval, "i", 0, "Sample interval (short)")
	flagSet.DurationVar(&cfg.Duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flagSet.DurationVar(&cfg.Duration, "t", 0, "Stop after this long (short)")
	flagSet.StringVar(&cfg.HTTPAddr, "http", "", "Serve the control API, websocket and /metrics on this address")
	flagSet.StringVar(&cfg.ConfigFile, "config", "", "Config file path")
	flagSet.StringVar(&cfg.LogFile, "log-file", "", "Also write logs to this file (rotated)")
	flagSet.BoolVar(&cfg.JSON, "json", false, "Output summary as JSON")
	flagSet.BoolVar(&cfg.NDJSON, "ndjson", false, "Streaming newline-delimited JSON output")
	flagSet.BoolVar(&cfg.Plain, "plain", false, "Plain text output")
	flagSet.BoolVar(&cfg.Verbose, "verbose", false, "Verbose output")
	flagSet.BoolVar(&cfg.Verbose, "v", false, "Verbose output (short)")
	flagSet.BoolVar(&cfg.Quiet, "quiet", false, "Quiet mode (errors only)")
	flagSet.BoolVar(&cfg.Quiet, "q", false, "Quiet mode (errors only) (short)")
	flagSet.BoolVar(&cfg.NoColor, "no-color", false, "Disable color output")

	versionFlag := flagSet.Bool("version", false, "Print version")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, exitUsage, err
	}

	flagSet.Visit(func(f *flag.Flag) {
		flagsSet[f.Name] = true
		switch f.Name {
		case "H":
			flagsSet["host"] = true
		case "p":
			flagsSet["port"] = true
		case "b":
			flagsSet["backend"] = true
		case "i":
			flagsSet["interval"] = true
		case "t":
			flagsSet["duration"] = true
		case "v":
			flagsSet["verbose"] = true
		case "q":
			flagsSet["quiet"] = true
		case "h":
			flagsSet["help"] = true
		}
	})

	if *versionFlag {
		fmt.Printf("quicperf %s\n", version)
		return nil, nil, exitSuccess, nil
	}

	if *help {
		printUsage()
		return nil, nil, exitSuccess, nil
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		fmt.Fprintln(os.Stderr, "quicperf client: too many positional arguments")
		return nil, nil, exitUsage, fmt.Errorf("too many positional arguments")
	}
	if len(rest) == 1 {
		if flagsSet["host"] {
			fmt.Fprintln(os.Stderr, "quicperf client: endpoint given both as argument and --host")
			return nil, nil, exitUsage, fmt.Errorf("endpoint given twice")
		}
		ep, err := types.ParseEndpoint(rest[0], 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quicperf client: %v\n", err)
			return nil, nil, exitUsage, err
		}
		cfg.Host = ep.Host
		flagsSet["host"] = true
		if ep.Port != 0 {
			if flagsSet["port"] {
				fmt.Fprintln(os.Stderr, "quicperf client: port given both in endpoint and --port")
				return nil, nil, exitUsage, fmt.Errorf("port given twice")
			}
			cfg.Port = int(ep.Port)
			flagsSet["port"] = true
		}
	}

	return cfg, flagsSet, 0, nil
}

// buildConfig layers defaults, the config file, the environment and finally
// the flags that were explicitly set.
func buildConfig(flags *Config, flagsSet map[string]bool) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path := flags.ConfigFile
	if path == "" {
		path = config.DefaultConfigPath()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if flagsSet["host"] {
		cfg.Host = flags.Host
	}
	if flagsSet["port"] {
		cfg.Port = flags.Port
	}
	if flagsSet["backend"] {
		cfg.Backend = flags.Backend
	}
	if flagsSet["server-name"] {
		cfg.ServerName = flags.ServerName
	}
	if flagsSet["ca-file"] {
		cfg.CAFile = flags.CAFile
	}
	if flagsSet["insecure"] {
		cfg.InsecureSkipVerify = flags.Insecure
	}
	if flagsSet["interval"] {
		cfg.SampleInterval = flags.Interval
	}
	if flagsSet["http"] {
		cfg.HTTPAddress = flags.HTTPAddr
	}
	if flagsSet["log-file"] {
		cfg.LogFile = flags.LogFile
	}
	if flags.Verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(flags *Config) error {
	if flags.Duration < 0 || flags.Duration > maxDuration {
		return fmt.Errorf("invalid duration: %s\n\n"+
			"Duration must be between 0 (run until interrupted) and %s.\n"+
			"Use: quicperf client -t 30s\n"+
			"See: quicperf client --help", flags.Duration, maxDuration)
	}
	formats := 0
	for _, on := range []bool{flags.JSON, flags.NDJSON, flags.Plain} {
		if on {
			formats++
		}
	}
	if formats > 1 {
		return fmt.Errorf("--json, --ndjson and --plain are mutually exclusive")
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: quicperf client [flags] [host[:port]]

Connect to a perf server over QUIC and report the receive rate every
sample interval.

Flags:
  -h, --help              Show help
  --version               Print version
  -H, --host string       Perf server host (default: localhost)
  -p, --port int          Perf server UDP port (default: 4433)
  -b, --backend string    Backend: stream, engine (default: stream)
  --server-name string    TLS server name (default: host)
  --ca-file string        Trust the CAs in this PEM file
  --insecure              Skip server certificate verification
  -i, --interval dur      Sample interval (default: 100ms)
  -t, --duration dur      Stop after this long (default: until interrupted)
  --http string           Serve control API, websocket and /metrics here
  --config string         Config file (default: ~/.config/quicperf/config.yaml)
  --log-file string       Also write logs to this file (rotated)
  --json                  Output summary as JSON
  --ndjson                Streaming newline-delimited JSON (samples + summary)
  --plain                 Plain text output
  -v, --verbose           Verbose output
  -q, --quiet             Quiet mode (errors only)
  --no-color              Disable color output

Environment:
  QUICPERF_HOST, QUICPERF_PORT, QUICPERF_BACKEND, QUICPERF_INSECURE,
  QUICPERF_CA_FILE, QUICPERF_SAMPLE_INTERVAL, LOG_LEVEL, NO_COLOR

Examples:
  quicperf client --insecure localhost:4433
  quicperf client --ca-file perf-ca.pem perf.example.com
  quicperf client -b engine -t 10s --json perf.example.com
  quicperf client --http 127.0.0.1:8090 --insecure localhost
`)
}
