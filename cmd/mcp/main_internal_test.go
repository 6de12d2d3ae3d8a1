package mcp

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/probe"
	perfquic "github.com/saveenergy/quicperf/internal/quic"
)

func TestToolDefinitions(t *testing.T) {
	tools := ToolDefinitions()
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].Name != "throughput_probe" || tools[1].Name != "connectivity_check" {
		t.Fatalf("names = %q, %q", tools[0].Name, tools[1].Name)
	}
	for _, tool := range tools {
		if tool.Description == "" {
			t.Fatalf("%s: empty description", tool.Name)
		}
		for _, prop := range []string{"host", "port", "backend", "insecure"} {
			if _, ok := tool.InputSchema.Properties[prop]; !ok {
				t.Fatalf("%s: missing property %q", tool.Name, prop)
			}
		}
	}
	if _, ok := tools[0].InputSchema.Properties["duration"]; !ok {
		t.Fatal("throughput_probe: missing duration")
	}
	if _, ok := tools[1].InputSchema.Properties["duration"]; ok {
		t.Fatal("connectivity_check should not take a duration")
	}
}

func TestValidateProbeInput(t *testing.T) {
	cases := []struct {
		backend  string
		duration int
		wantErr  bool
	}{
		{"", 10, false},
		{"engine", 1, false},
		{"stream", 60, false},
		{"tcp", 10, true},
		{"stream", 0, true},
		{"stream", 61, true},
	}
	for _, tc := range cases {
		err := ValidateProbeInput(tc.backend, tc.duration)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ValidateProbeInput(%q, %d) = %v, wantErr %v", tc.backend, tc.duration, err, tc.wantErr)
		}
	}
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func TestThroughputProbeRejectsBadInput(t *testing.T) {
	for _, args := range []map[string]any{
		{"backend": "tcp"},
		{"duration": 120},
		{"port": 70000},
	} {
		res, err := handleThroughputProbe(context.Background(), callRequest(args))
		if err != nil {
			t.Fatalf("args %v: handler error %v", args, err)
		}
		if !res.IsError {
			t.Fatalf("args %v: expected tool error", args)
		}
		if !strings.Contains(resultText(t, res), "Invalid input") {
			t.Fatalf("args %v: text = %q", args, resultText(t, res))
		}
	}
}

func startPerfServer(t *testing.T) int {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerListenAddress = "127.0.0.1:0"
	tlsConfig, err := perfquic.SelfSignedTLSConfig(cfg.ALPN, "127.0.0.1")
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	srv, err := perfquic.NewServer(cfg, tlsConfig)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr().(*net.UDPAddr).Port
}

func TestThroughputProbeAgainstServer(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a one second probe")
	}
	port := startPerfServer(t)

	res, err := handleThroughputProbe(context.Background(), callRequest(map[string]any{
		"host":     "127.0.0.1",
		"port":     port,
		"duration": 1,
		"insecure": true,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("tool error: %s", text)
	}

	var out probe.Result
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Bytes == 0 {
		t.Fatalf("no bytes measured: %+v", out)
	}
	if out.SchemaVersion != probe.SchemaVersion || out.Backend != "stream" {
		t.Fatalf("result = %+v", out)
	}
}
