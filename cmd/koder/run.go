// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jllopis/koder/pkg/agent"
	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/core"
)

type runFlags struct {
	AgentType string
	SessionID string
	SafeMode  bool
	Approval  string
	Prompt    string
}

func parseRunFlags(cfg *config.Config, args []string) (runFlags, error) {
	var rf runFlags
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	cmd.StringVar(&rf.AgentType, "agent", agent.DefaultAgentType, "Agent type")
	cmd.StringVar(&rf.SessionID, "session", "", "Session id (default <agent>_default)")
	cmd.BoolVar(&rf.SafeMode, "safe", cfg.Agent.SafeMode, "Ask before running capabilities that change state")
	cmd.StringVar(&rf.Approval, "approval", "auto", "Approval mode: auto|ask|approve|deny")
	if err := cmd.Parse(args); err != nil {
		return rf, NewInvalidArgumentError("run", err.Error())
	}
	rf.Prompt = strings.TrimSpace(strings.Join(cmd.Args(), " "))
	return rf, nil
}

func runRun(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	rf, err := parseRunFlags(cfg, args)
	if err != nil {
		return err
	}
	hook, err := buildApprovalHook(rf.Approval, global.JSON)
	if err != nil {
		return NewInvalidArgumentError("approval", err.Error())
	}

	a, err := newApp(ctx, cfg, global, appOptions{approval: hook, discover: true, service: true})
	if err != nil {
		return err
	}
	defer a.close()

	if _, ok := a.catalog.Get(rf.AgentType); !ok {
		return NewNotFoundError("agent", rf.AgentType)
	}

	printer := &chunkPrinter{out: os.Stdout, info: os.Stderr, json: global.JSON}
	if rf.Prompt != "" {
		return runTurn(ctx, a.service, rf, rf.Prompt, printer)
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		return runTurn(ctx, a.service, rf, string(data), printer)
	}
	return runREPL(ctx, a.service, rf, printer)
}

// runTurn sends one prompt. An interrupt trips the abort controller so the
// loop stops at the next boundary instead of dropping the transcript.
func runTurn(ctx context.Context, svc *agent.Service, rf runFlags, prompt string, printer *chunkPrinter) error {
	abort := core.NewAbortController()
	stop := context.AfterFunc(ctx, func() { abort.Abort("interrupted") })
	defer stop()

	res, err := svc.Run(context.WithoutCancel(ctx), agent.RunRequest{
		AgentType: rf.AgentType,
		SessionID: rf.SessionID,
		Prompt:    prompt,
		SafeMode:  rf.SafeMode,
		Abort:     abort,
		OnChunk:   printer.print,
	})
	printer.finish(res)
	return err
}

func runREPL(ctx context.Context, svc *agent.Service, rf runFlags, printer *chunkPrinter) error {
	fmt.Fprintf(os.Stderr, "koder %s (%s). /clear resets the session, /exit quits.\n", version, rf.AgentType)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := svc.ClearSession(ctx, rf.AgentType, rf.SessionID); err != nil {
				toCLIError(err).PrintError(false)
			}
			continue
		}
		if err := runTurn(ctx, svc, rf, line, printer); err != nil {
			toCLIError(err).PrintError(printer.json)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// chunkPrinter writes model text to out and tool activity to info.
type chunkPrinter struct {
	out  io.Writer
	info io.Writer
	json bool
}

func (p *chunkPrinter) print(c agent.Chunk) {
	if p.json {
		writeJSONLine(p.out, map[string]any{
			"kind":         c.Kind,
			"content":      c.Content,
			"tool_name":    c.ToolName,
			"tool_call_id": c.ToolCallID,
			"failed":       c.Failed,
		})
		return
	}
	switch c.Kind {
	case agent.ChunkText:
		fmt.Fprintln(p.out, c.Content)
	case agent.ChunkToolCall:
		fmt.Fprintf(p.info, "-> %s %s\n", c.ToolName, truncate(normalizeCell(c.Content), 120))
	case agent.ChunkToolResult:
		mark := "ok"
		if c.Failed {
			mark = "failed"
		}
		fmt.Fprintf(p.info, "   %s [%s] %s\n", c.ToolName, mark, truncate(normalizeCell(c.Content), 200))
	case agent.ChunkWarning:
		fmt.Fprintf(p.info, "warning: %s\n", c.Content)
	}
}

func (p *chunkPrinter) finish(res *agent.Result) {
	if res == nil {
		return
	}
	if p.json {
		writeJSONLine(p.out, map[string]any{
			"state":  res.State,
			"rounds": res.Rounds,
		})
		return
	}
	if res.State != agent.StateDone {
		fmt.Fprintf(p.info, "[%s after %d rounds]\n", res.State, res.Rounds)
	}
}
