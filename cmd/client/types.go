package client

import (
	"io"
	"sync"
	"time"

	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/pkg/types"
)

type OutputFormatter interface {
	FormatConnected(info types.ConnectionInfo)
	FormatSample(sample types.Sample, elapsed time.Duration)
	FormatComplete(result *probe.Result)
	FormatError(err error)
}

type JSONFormatter struct {
	writer io.Writer
}

type PlainFormatter struct {
	writer  io.Writer
	verbose bool
}

func NewPlainFormatter(w io.Writer, verbose bool) *PlainFormatter {
	return &PlainFormatter{writer: w, verbose: verbose}
}

type InteractiveFormatter struct {
	writer  io.Writer
	verbose bool
	noColor bool
}

func NewInteractiveFormatter(w io.Writer, verbose, noColor bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, verbose: verbose, noColor: noColor}
}

// NDJSONFormatter emits newline-delimited JSON: one line per sample, one
// final line with the summary.
type NDJSONFormatter struct {
	writer io.Writer
	errMu  sync.Mutex
	err    error
}

// Config holds the command-line view of a probe run. Fields left unset fall
// back to the config file, then the environment, then defaults.
type Config struct {
	Host       string
	Port       int
	Backend    string
	ServerName string
	CAFile     string
	Insecure   bool
	Interval   time.Duration
	Duration   time.Duration
	HTTPAddr   string
	ConfigFile string
	LogFile    string

	JSON    bool
	NDJSON  bool
	Plain   bool
	Verbose bool
	Quiet   bool
	NoColor bool
}
