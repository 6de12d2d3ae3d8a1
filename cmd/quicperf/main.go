package main

import (
	"fmt"
	"os"
	"strings"

	check "github.com/saveenergy/quicperf/cmd/check"
	client "github.com/saveenergy/quicperf/cmd/client"
	mcpcmd "github.com/saveenergy/quicperf/cmd/mcp"
	server "github.com/saveenergy/quicperf/cmd/server"
)

var version = "dev"

var (
	runServer = server.Run
	runClient = client.Run
	runCheck  = check.Run
	runMCP    = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runClient(nil, version)
	}

	switch args[0] {
	case "client", "probe":
		return runClient(args[1:], version)
	case "server":
		return runServer(args[1:], version)
	case "check":
		return runCheck(args[1:], version)
	case "mcp":
		return runMCP(version)
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version":
		fmt.Printf("quicperf %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runClient(args, version)
		}
		fmt.Fprintf(os.Stderr, "quicperf: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: quicperf <command> [args]

Commands:
  client    Measure throughput from a perf server (default when no command provided)
  server    Run a perf server that streams bytes to clients
  check     Quick reachability check (~3 seconds)
  mcp       Run as MCP server (stdio transport, for AI agents)

Examples:
  quicperf client --insecure localhost:4433 -t 10
  quicperf client -b engine --ndjson perf.example.com
  quicperf server -l 0.0.0.0:4433
  quicperf check --json perf.example.com
  quicperf mcp
`)
}
