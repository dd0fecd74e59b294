package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/tools"
)

// helperEnv selects a peer implementation when the test binary is re-executed
// as an MCP server.
const helperEnv = "KODER_MCP_TEST_PEER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "raw":
		runRawPeer()
		os.Exit(0)
	case "stall":
		// Never reads stdin, so the client's pipe fills up.
		time.Sleep(time.Hour)
		os.Exit(0)
	case "serve":
		if err := newTestServer().Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func peerConfig(name, kind string) ServerConfig {
	return ServerConfig{
		Name:    name,
		Command: os.Args[0],
		Env:     map[string]string{helperEnv: kind},
	}
}

func newTestRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(
		tools.NewFunction("greet", "Greets someone",
			func(_ context.Context, input map[string]any, _ *core.Invocation, _ core.ProgressFunc) (any, error) {
				return fmt.Sprintf("hello, %v", input["name"]), nil
			},
			tools.WithSchema(map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			}),
			tools.WithReadOnly(),
		),
		tools.NewFunction("fail", "Always fails",
			func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
				return nil, fmt.Errorf("disk on fire")
			},
		),
	)
	return reg
}

func newTestServer() *Server {
	return NewServer("koder-test", "1.0.0", tools.NewExecutor(newTestRegistry()))
}

// runRawPeer answers newline-delimited JSON-RPC by hand so tests can exercise
// framing corner cases a conforming server never produces.
//
//	echo     replies with the params, preceded by noise the client must skip
//	pair     holds the first request and answers the second one first
//	batch    holds batchSize requests, answers them in batchOrder and then
//	         repeats the first answer
//	numeric  replies using a numeric id
//	error    replies with a JSON-RPC error
//	hang     never replies
//	exit     exits without replying
func runRawPeer() {
	fmt.Fprintln(os.Stderr, "raw peer ready")
	out := bufio.NewWriter(os.Stdout)
	send := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}
	reply := func(id json.RawMessage, result any) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}

	var held *message
	var batch []message
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req message
		var params map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		var envelope struct {
			Params map[string]any `json:"params"`
		}
		_ = json.Unmarshal(scanner.Bytes(), &envelope)
		params = envelope.Params

		switch req.Method {
		case "echo":
			send(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{}})
			send(map[string]any{"jsonrpc": "2.0", "id": "unknown-999", "result": map[string]any{}})
			out.WriteString("this is not json\n")
			out.Flush()
			reply(req.ID, params)
		case "pair":
			if held == nil {
				r := req
				r.Result = mustJSON(params)
				held = &r
				continue
			}
			reply(req.ID, params)
			reply(held.ID, json.RawMessage(held.Result))
			held = nil
		case "batch":
			r := req
			r.Result = mustJSON(params)
			batch = append(batch, r)
			if len(batch) < batchSize {
				continue
			}
			for _, i := range batchOrder {
				reply(batch[i].ID, json.RawMessage(batch[i].Result))
			}
			first := batch[batchOrder[0]]
			reply(first.ID, json.RawMessage(first.Result))
			batch = nil
		case "numeric":
			id, _ := normalizeID(req.ID)
			n, _ := strconv.Atoi(id)
			send(map[string]any{"jsonrpc": "2.0", "id": n, "result": map[string]any{"numeric": true}})
		case "error":
			send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "no such method"}})
		case "hang":
		case "exit":
			os.Exit(0)
		}
	}
}

const batchSize = 5

var batchOrder = []int{3, 0, 4, 1, 2}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
