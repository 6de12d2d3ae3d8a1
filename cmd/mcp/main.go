// Package mcp implements the `quicperf mcp` subcommand, an MCP (Model Context
// Protocol) server over stdio. Agents spawn this process and call the probe
// tools directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/probe"
	"github.com/saveenergy/quicperf/pkg/types"
)

const (
	maxProbeSeconds   = 60
	checkProbeSeconds = 3
)

// Run starts the MCP stdio server. Blocks until stdin closes.
func Run(version string) int {
	// stdout carries the protocol; keep logs quiet on stderr.
	logging.Init(logging.LevelWarn)

	s := server.NewMCPServer(
		"quicperf",
		version,
		server.WithToolCapabilities(true),
	)

	tools := ToolDefinitions()
	s.AddTool(tools[0], handleThroughputProbe)
	s.AddTool(tools[1], handleConnectivityCheck)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "quicperf mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func endpointOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("host",
			mcp.Description("Perf server host (default: localhost or QUICPERF_HOST)"),
		),
		mcp.WithNumber("port",
			mcp.Description("Perf server UDP port (default: 4433 or QUICPERF_PORT)"),
		),
		mcp.WithString("backend",
			mcp.Description("Transport backend: stream or engine (default: stream)"),
		),
		mcp.WithBoolean("insecure",
			mcp.Description("Skip server certificate verification (test servers only)"),
		),
	}
}

// ToolDefinitions returns the tools this server exposes, probe first.
func ToolDefinitions() []mcp.Tool {
	probeOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Measure QUIC receive throughput from a perf server for a fixed duration. Returns bytes received, average and peak rate in kbps, sample counts and the final connection state."),
		mcp.WithNumber("duration",
			mcp.Description("Measurement duration in seconds, 1-60 (default: 10)"),
		),
	}, endpointOptions()...)

	checkOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Quick reachability check (~3 seconds). Connects to the perf server and reports whether data arrived. Use for fast 'is the server up?' checks."),
	}, endpointOptions()...)

	return []mcp.Tool{
		mcp.NewTool("throughput_probe", probeOpts...),
		mcp.NewTool("connectivity_check", checkOpts...),
	}
}

// ValidateProbeInput checks tool arguments that config validation does not
// cover.
func ValidateProbeInput(backend string, durationSeconds int) error {
	if _, err := types.ParseKind(backend); err != nil {
		return err
	}
	if durationSeconds < 1 || durationSeconds > maxProbeSeconds {
		return fmt.Errorf("duration must be 1-%d seconds", maxProbeSeconds)
	}
	return nil
}

// configFromRequest layers tool arguments over env and defaults.
func configFromRequest(req mcp.CallToolRequest) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.Host = req.GetString("host", cfg.Host)
	cfg.Port = req.GetInt("port", cfg.Port)
	cfg.Backend = req.GetString("backend", cfg.Backend)
	cfg.InsecureSkipVerify = req.GetBool("insecure", cfg.InsecureSkipVerify)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func handleThroughputProbe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	duration := req.GetInt("duration", 10)
	if err := ValidateProbeInput(req.GetString("backend", ""), duration); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid input: %v", err)), nil
	}
	return runTool(ctx, req, time.Duration(duration)*time.Second, "Throughput probe")
}

func handleConnectivityCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return runTool(ctx, req, checkProbeSeconds*time.Second, "Connectivity check")
}

func runTool(ctx context.Context, req mcp.CallToolRequest, duration time.Duration, name string) (*mcp.CallToolResult, error) {
	cfg, err := configFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid input: %v", err)), nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, duration+15*time.Second)
	defer cancel()

	pc, err := probe.ConfigFrom(cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid input: %v", err)), nil
	}
	pc.Duration = duration
	result, err := probe.Run(probeCtx, pc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
	}
	if result.Failed() {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %s", name, result.Connection.Error)), nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
