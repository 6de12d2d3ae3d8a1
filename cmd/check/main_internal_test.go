package check

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/pkg/types"
)

func TestCheckRejectsInvalidArgs(t *testing.T) {
	cases := [][]string{
		{"example.com:99999"},
		{"a", "b"},
		{"--duration", "1ms"},
		{"--backend", "tcp", "localhost"},
	}
	for _, args := range cases {
		if code := Run(args, "test"); code != exitUsage {
			t.Fatalf("args %v: exit code = %d, want %d", args, code, exitUsage)
		}
	}
}

func captureStdout(t *testing.T, fn func()) *os.File {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = oldStdout
	return r
}

func TestCheckJSONOutput(t *testing.T) {
	origRunCheck := runCheckFn
	defer func() { runCheckFn = origRunCheck }()

	var gotCfg *config.Config
	runCheckFn = func(_ context.Context, cfg *config.Config, d time.Duration) (*CheckResult, error) {
		gotCfg = cfg
		return &CheckResult{
			SchemaVersion: "1.0",
			Status:        "ok",
			Endpoint:      cfg.Endpoint().String(),
			Backend:       cfg.Kind(),
			Bytes:         4096,
			DurationMs:    1234,
		}, nil
	}

	var code int
	r := captureStdout(t, func() {
		code = Run([]string{"--json", "--insecure", "-b", "engine", "perf.example.com:9000"}, "test")
	})
	if code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	if gotCfg.Host != "perf.example.com" || gotCfg.Port != 9000 || !gotCfg.InsecureSkipVerify {
		t.Fatalf("config = %s:%d insecure=%v", gotCfg.Host, gotCfg.Port, gotCfg.InsecureSkipVerify)
	}

	var out CheckResult
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.DurationMs != 1234 {
		t.Fatalf("duration_ms = %d, want %d", out.DurationMs, 1234)
	}
	if out.Backend != types.KindEngine || out.Endpoint != "perf.example.com:9000" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCheckNoDataExitsFailure(t *testing.T) {
	origRunCheck := runCheckFn
	defer func() { runCheckFn = origRunCheck }()
	runCheckFn = func(context.Context, *config.Config, time.Duration) (*CheckResult, error) {
		return fromResult(&probe.Result{Endpoint: "localhost:4433"}), nil
	}

	var code int
	captureStdout(t, func() { code = Run(nil, "test") })
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
}

func TestFromResult(t *testing.T) {
	cases := []struct {
		name string
		res  probe.Result
		want string
	}{
		{"ok", probe.Result{Bytes: 10, Connection: &types.ConnectionInfo{State: "closed"}}, "ok"},
		{"no data", probe.Result{Connection: &types.ConnectionInfo{State: "closed"}}, "no_data"},
		{"failed", probe.Result{Bytes: 10, Connection: &types.ConnectionInfo{State: "failed", Error: "reset"}}, "failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromResult(&tc.res)
			if got.Status != tc.want {
				t.Fatalf("status = %q, want %q", got.Status, tc.want)
			}
		})
	}
	if got := fromResult(&probe.Result{DurationSecs: 1.5}); got.DurationMs != 1500 {
		t.Fatalf("duration_ms = %d", got.DurationMs)
	}
}
