package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/jllopis/koder/pkg/config"
)

const version = "v0.1.0"

type globalFlags struct {
	ConfigPath string
	WorkDir    string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err, false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd := args[0]
	if cmd == "help" {
		printUsage()
		return
	}
	if cmd == "version" {
		fmt.Println("koder", version)
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(NewConfigError(err, global.ConfigPath), global.JSON)
	}

	switch cmd {
	case "run":
		err = runRun(ctx, global, cfg, args[1:])
	case "tools":
		err = runTools(ctx, global, cfg, args[1:])
	case "agents":
		err = runAgents(ctx, global, cfg, args[1:])
	case "mcp":
		err = runMCP(ctx, global, cfg, args[1:])
	case "mcp-serve":
		err = runMCPServe(ctx, global, cfg, args[1:])
	case "grant":
		err = runGrant(ctx, global, cfg, args[1:])
	case "revoke":
		err = runRevoke(ctx, global, cfg, args[1:])
	default:
		err = NewInvalidArgumentError(cmd, fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		fatal(err, global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: getenv("KODER_CONFIG", ""),
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--workdir":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --workdir")
			}
			flags.WorkDir = args[i+1]
			i++
		case strings.HasPrefix(arg, "--workdir="):
			flags.WorkDir = strings.TrimPrefix(arg, "--workdir=")
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printUsage() {
	fmt.Println(`koder: coding agent tool runtime

Usage:
  koder [global flags] <command> [args]

Global flags:
  --config <path>      YAML config file (default $KODER_CONFIG)
  --workdir <dir>      Root directory for built-in tools (default current dir)
  --json               JSON output

Commands:
  run [-agent type] [-session id] [-safe] [-approval mode] [prompt]
                       Run one prompt, or start a REPL when none is given
  tools                List built-in and remote capabilities
  agents               List agent definitions
  mcp list             Connect to the configured MCP servers and list their tools
  mcp-serve [-safe]    Serve the built-in capabilities over MCP on stdio
  grant <key>          Store a persistent permission grant, e.g. "Bash(go test:*)"
  grant -list          List persistent grants
  revoke <key>         Remove a grant
  version`)
}

func fatal(err error, asJSON bool) {
	toCLIError(err).PrintError(asJSON)
	os.Exit(1)
}

func printJSON(value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i := range cols {
		cols[i] = normalizeCell(cols[i])
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\t", " ")
	return strings.TrimSpace(value)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
