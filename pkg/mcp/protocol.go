// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements a JSON-RPC client for MCP tool servers over a
// spawned subprocess (stdio) or HTTP, and adapts remote tools to core.Tool.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jllopis/koder/pkg/errors"
	"github.com/mark3labs/mcp-go/mcp"
)

// Method names used on the wire.
const (
	MethodInitialize  = string(mcp.MethodInitialize)
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = string(mcp.MethodToolsList)
	MethodToolsCall   = string(mcp.MethodToolsCall)
)

// Request is an outbound JSON-RPC request. Notifications leave ID empty.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id, method string, params any) Request {
	return Request{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: params}
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// message is any inbound frame: response, notification or server request.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) isResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// normalizeID turns a string or numeric JSON-RPC id into its string form.
// Null and missing ids report false.
func normalizeID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	return n.String(), true
}

// RemoteError is a protocol error returned by a remote server.
// errors.Is(err, errors.ErrTransport) holds for it.
type RemoteError struct {
	Server  string
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mcp %s: %s failed: %s (code %d)", e.Server, e.Method, e.Message, e.Code)
}

func (e *RemoteError) Unwrap() error {
	return errors.ErrTransport
}

func remoteError(server, method string, rpcErr *RPCError) *RemoteError {
	return &RemoteError{
		Server:  server,
		Method:  method,
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
		Data:    rpcErr.Data,
	}
}

// ToolInfo is one entry of a server's tool manifest.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// InitializeResult is the server's answer to the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

func connectionClosed(server, reason string) *errors.KoderError {
	return errors.New(errors.CodeConnectionClosed, fmt.Sprintf("mcp %s: %s", server, reason), nil).
		WithAttribute("server", server)
}

func transportError(server string, cause error) *errors.KoderError {
	return errors.New(errors.CodeTransport, fmt.Sprintf("mcp %s: transport failure", server), cause).
		WithAttribute("server", server).
		WithRecoverable(true)
}
