package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/mcp"
)

type toolRow struct {
	Name            string `json:"name"`
	Source          string `json:"source"`
	ReadOnly        bool   `json:"read_only"`
	ConcurrencySafe bool   `json:"concurrency_safe"`
	Description     string `json:"description"`
}

func runTools(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	if err := ensureNoArgs("tools", args); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, global, appOptions{discover: true})
	if err != nil {
		return err
	}
	defer a.close()

	rows := make([]toolRow, 0, a.registry.Len())
	for _, t := range a.registry.List() {
		rows = append(rows, toolRow{
			Name:            t.Name(),
			Source:          toolSource(t),
			ReadOnly:        t.ReadOnly(),
			ConcurrencySafe: t.ConcurrencySafe(),
			Description:     t.Description(),
		})
	}
	if global.JSON {
		return printJSON(rows)
	}

	writer := newTabWriter()
	writeRow(writer, "NAME", "SOURCE", "READ-ONLY", "DESCRIPTION")
	for _, r := range rows {
		writeRow(writer, r.Name, r.Source, fmt.Sprint(r.ReadOnly), truncate(r.Description, 80))
	}
	return writer.Flush()
}

func toolSource(t core.Tool) string {
	if server, _, ok := mcp.ParseToolName(t.Name()); ok {
		return "mcp:" + server
	}
	return "builtin"
}

func runAgents(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	if err := ensureNoArgs("agents", args); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, global, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	defs := a.catalog.List()
	if global.JSON {
		return printJSON(defs)
	}
	writer := newTabWriter()
	writeRow(writer, "TYPE", "LOCATION", "TOOLS", "DESCRIPTION")
	for _, def := range defs {
		writeRow(writer, def.Type, string(def.Location), strings.Join(def.Tools, ","), truncate(def.Description, 80))
	}
	return writer.Flush()
}

type mcpToolRow struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

func runMCP(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return NewInvalidArgumentError("mcp", "expected 'mcp list'")
	}
	if err := ensureNoArgs("mcp list", args[1:]); err != nil {
		return err
	}
	if len(cfg.MCP.Servers) == 0 {
		fmt.Fprintln(os.Stderr, "No MCP servers configured.")
		return nil
	}

	a, err := newApp(ctx, cfg, global, appOptions{discover: true})
	if err != nil {
		return err
	}
	defer a.close()

	var rows []mcpToolRow
	for _, server := range a.report.Servers {
		switch {
		case server.Skipped:
			rows = append(rows, mcpToolRow{Server: server.Server, Status: "skipped: " + fmt.Sprint(server.Err)})
		case server.Err != nil:
			rows = append(rows, mcpToolRow{Server: server.Server, Status: "error: " + server.Err.Error()})
		case len(server.Tools) == 0:
			rows = append(rows, mcpToolRow{Server: server.Server, Status: "no tools"})
		}
		for _, name := range server.Tools {
			rows = append(rows, mcpToolRow{Server: server.Server, Tool: name, Status: "ok"})
		}
	}
	if global.JSON {
		return printJSON(map[string]any{"servers": rows, "stats": a.mcp.Stats()})
	}

	writer := newTabWriter()
	writeRow(writer, "SERVER", "TOOL", "STATUS")
	for _, r := range rows {
		tool := r.Tool
		if tool == "" {
			tool = "-"
		}
		writeRow(writer, r.Server, tool, truncate(r.Status, 100))
	}
	return writer.Flush()
}

// runMCPServe exposes the local capabilities over MCP on stdin and stdout.
// Nobody can answer an approval prompt there, so gated calls are denied.
func runMCPServe(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("mcp-serve", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	safe := cmd.Bool("safe", cfg.Agent.SafeMode, "Deny capabilities that need permission")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("mcp-serve", err.Error())
	}

	a, err := newApp(ctx, cfg, global, appOptions{
		approval: governance.StaticApprovalHook{Decision: governance.Deny("mcp-serve cannot prompt for approval")},
	})
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewServer("koder", version, a.executor,
		mcp.WithServerLogger(a.logger),
		mcp.WithServerSafeMode(*safe),
	)
	a.logger.Info("mcp.serve.start", "tools", a.registry.Len())
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func runGrant(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("grant", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	list := cmd.Bool("list", false, "List persistent grants")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("grant", err.Error())
	}

	a, err := newApp(ctx, cfg, global, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if *list {
		keys, err := a.grants.List(ctx)
		if err != nil {
			return err
		}
		if global.JSON {
			return printJSON(keys)
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	}

	if cmd.NArg() != 1 {
		return NewInvalidArgumentError("grant", "expected exactly one grant key, e.g. Bash(go test:*)")
	}
	warnEphemeral(cfg)
	key := cmd.Arg(0)
	if err := a.gate.Grant(ctx, key, true); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Granted %s\n", key)
	return nil
}

func runRevoke(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return NewInvalidArgumentError("revoke", "expected exactly one grant key")
	}
	a, err := newApp(ctx, cfg, global, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	warnEphemeral(cfg)
	if err := a.gate.Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Revoked %s\n", args[0])
	return nil
}

func warnEphemeral(cfg *config.Config) {
	if !strings.EqualFold(cfg.Permissions.Store, "sqlite") {
		fmt.Fprintln(os.Stderr, "Warning: permissions.store is not sqlite; the change ends with this process.")
	}
}

func ensureNoArgs(cmd string, args []string) error {
	if len(args) > 0 {
		return NewInvalidArgumentError(cmd, fmt.Sprintf("unexpected arguments: %s", strings.Join(args, " ")))
	}
	return nil
}

func writeJSONLine(w io.Writer, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(payload))
}
