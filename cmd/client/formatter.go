package client

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/pkg/types"
)

func (f *JSONFormatter) FormatConnected(info types.ConnectionInfo) {}

func (f *JSONFormatter) FormatSample(sample types.Sample, elapsed time.Duration) {}

func (f *JSONFormatter) FormatComplete(summary *probe.Result) {
	if err := json.NewEncoder(f.writer).Encode(summary); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf client: json encode error: %v\n", err)
	}
}

func (f *JSONFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "quicperf client: error: %v\n", err)
}

type ndjsonLine struct {
	Type       string                `json:"type"`
	ElapsedMs  int64                 `json:"elapsed_ms,omitempty"`
	Sample     *types.Sample         `json:"sample,omitempty"`
	Connection *types.ConnectionInfo `json:"connection,omitempty"`
	Summary    *probe.Result         `json:"summary,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (f *NDJSONFormatter) emit(line ndjsonLine) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.err != nil {
		return
	}
	f.err = json.NewEncoder(f.writer).Encode(line)
}

// LastError reports the first write failure, after which output stops.
func (f *NDJSONFormatter) LastError() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

func (f *NDJSONFormatter) FormatConnected(info types.ConnectionInfo) {
	f.emit(ndjsonLine{Type: "connected", Connection: &info})
}

func (f *NDJSONFormatter) FormatSample(sample types.Sample, elapsed time.Duration) {
	f.emit(ndjsonLine{Type: "sample", ElapsedMs: elapsed.Milliseconds(), Sample: &sample})
}

func (f *NDJSONFormatter) FormatComplete(summary *probe.Result) {
	f.emit(ndjsonLine{Type: "complete", Summary: summary})
}

func (f *NDJSONFormatter) FormatError(err error) {
	f.emit(ndjsonLine{Type: "error", Error: err.Error()})
}

func (f *PlainFormatter) FormatConnected(info types.ConnectionInfo) {
	if !f.verbose {
		return
	}
	fmt.Fprintf(f.writer, "connection_id=%s backend=%s endpoint=%s\n", info.ID, info.Kind, info.Endpoint)
}

func (f *PlainFormatter) FormatSample(sample types.Sample, elapsed time.Duration) {
	if sample.Skipped {
		fmt.Fprintf(f.writer, "t=%.1f count=0 skipped=true\n", elapsed.Seconds())
		return
	}
	fmt.Fprintf(f.writer, "t=%.1f count=%d delta=%d kbps=%d mbps=%d\n",
		elapsed.Seconds(), sample.Count, sample.Delta, sample.DeltaRateLow, sample.DeltaRateHigh)
}

func (f *PlainFormatter) FormatComplete(summary *probe.Result) {
	fmt.Fprintf(f.writer, "endpoint=%s\n", summary.Endpoint)
	fmt.Fprintf(f.writer, "backend=%s\n", summary.Backend)
	if summary.Connection != nil {
		fmt.Fprintf(f.writer, "state=%s\n", summary.Connection.State)
		if summary.Connection.Error != "" {
			fmt.Fprintf(f.writer, "error=%s\n", summary.Connection.Error)
		}
	}
	fmt.Fprintf(f.writer, "bytes=%d\n", summary.Bytes)
	fmt.Fprintf(f.writer, "samples=%d\n", summary.Samples)
	fmt.Fprintf(f.writer, "skipped=%d\n", summary.Skipped)
	fmt.Fprintf(f.writer, "peak_kbps=%d\n", summary.PeakKbps)
	fmt.Fprintf(f.writer, "avg_kbps=%d\n", summary.AvgKbps)
	fmt.Fprintf(f.writer, "avg_mbps=%d\n", summary.AvgMbps)
	fmt.Fprintf(f.writer, "duration_seconds=%.1f\n", summary.DurationSecs)
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "quicperf client: error: %v\n", err)
}

func (f *InteractiveFormatter) FormatConnected(info types.ConnectionInfo) {
	if f.noColor {
		fmt.Fprintf(f.writer, "Connecting to %s (%s backend)\n", info.Endpoint, info.Kind)
		return
	}
	fmt.Fprintf(f.writer, "Connecting to \033[36m%s\033[0m (%s backend)\n", info.Endpoint, info.Kind)
}

func (f *InteractiveFormatter) FormatSample(sample types.Sample, elapsed time.Duration) {
	if sample.Skipped {
		fmt.Fprintf(f.writer, "\r[%6.1fs] waiting for data...%s", elapsed.Seconds(), strings.Repeat(" ", 24))
		return
	}
	rate := fmt.Sprintf("%s kbps (%d Mbps)", formatNumber(int64(sample.DeltaRateLow)), sample.DeltaRateHigh)
	if !f.noColor {
		rate = fmt.Sprintf("\033[32m%s\033[0m", rate)
	}
	fmt.Fprintf(f.writer, "\r[%6.1fs] %s  %s received", elapsed.Seconds(), rate, formatBytes(int64(sample.Count)))
	if f.verbose {
		fmt.Fprintf(f.writer, "  +%s", formatBytes(int64(sample.Delta)))
	}
}

func (f *InteractiveFormatter) FormatComplete(summary *probe.Result) {
	fmt.Fprintln(f.writer, "\n\nResults:")
	label := func(s string) string {
		if f.noColor {
			return s
		}
		return "\033[36m" + s + "\033[0m"
	}
	fmt.Fprintf(f.writer, " %s %s kbps (peak)\n", label("Rate:"), formatNumber(int64(summary.PeakKbps)))
	fmt.Fprintf(f.writer, "  %s kbps / %d Mbps (average)\n", formatNumber(int64(summary.AvgKbps)), summary.AvgMbps)
	fmt.Fprintf(f.writer, " %s %s received\n", label("Bytes:"), formatBytes(int64(summary.Bytes)))
	fmt.Fprintf(f.writer, " %s %d taken, %d skipped\n", label("Samples:"), summary.Samples, summary.Skipped)
	fmt.Fprintf(f.writer, " %s %.1fs\n", label("Duration:"), summary.DurationSecs)
	if summary.Connection != nil && summary.Connection.Error != "" {
		fmt.Fprintf(f.writer, " %s %s\n", label("Error:"), summary.Connection.Error)
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "\nquicperf client: error: %v\n", err)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	var result strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(r)
	}
	return result.String()
}
