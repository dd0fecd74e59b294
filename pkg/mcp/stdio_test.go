package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/errors"
)

func connectPeer(t *testing.T, kind string, opts ...ClientOption) *StdioClient {
	t.Helper()
	c := NewStdioClient(peerConfig("peer", kind), opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func (c *StdioClient) pendingCount() int {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return len(conn.pending)
}

func TestStdioSkipsNoise(t *testing.T) {
	c := connectPeer(t, "raw")

	raw, err := c.SendRequest(context.Background(), "echo", map[string]any{"word": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"word":"hi"}`, string(raw))
	assert.True(t, c.Connected())
}

func TestStdioOutOfOrderResponses(t *testing.T) {
	c := connectPeer(t, "raw")

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.SendRequest(context.Background(), "pair", map[string]any{"n": i})
			errs[i] = err
			results[i] = string(raw)
		}(i)
	}
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		var got struct{ N int }
		require.NoError(t, json.Unmarshal([]byte(results[i]), &got))
		assert.Equal(t, i, got.N)
	}
	assert.Zero(t, c.pendingCount())
}

func TestStdioShuffledBatchResolvesOnce(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := connectPeer(t, "raw", WithLogger(logger))

	var wg sync.WaitGroup
	results := make([]string, batchSize)
	errs := make([]error, batchSize)
	for i := range batchSize {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.SendRequest(context.Background(), "batch", map[string]any{"n": i})
			errs[i] = err
			results[i] = string(raw)
		}(i)
	}
	wg.Wait()

	for i := range batchSize {
		require.NoError(t, errs[i])
		var got struct{ N int }
		require.NoError(t, json.Unmarshal([]byte(results[i]), &got))
		assert.Equal(t, i, got.N, "request %d got another request's result", i)
	}
	assert.Zero(t, c.pendingCount())

	// The repeated answer finds no waiter.
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "mcp.stdio.unknown_id") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
}

func TestStdioStalledWriteFailsConnection(t *testing.T) {
	c := connectPeer(t, "stall", WithRequestTimeout(200*time.Millisecond))
	big := strings.Repeat("x", 4<<20)

	start := time.Now()
	errCh := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.SendRequest(context.Background(), "echo", map[string]any{"data": big})
			errCh <- err
		}()
	}
	for range 2 {
		select {
		case err := <-errCh:
			code := errors.CodeOf(err)
			assert.True(t, code == errors.CodeConnectionClosed || code == errors.CodeTimeout, "code = %s", code)
		case <-time.After(5 * time.Second):
			t.Fatal("request blocked behind a stalled write")
		}
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, c.Connected())

	_, err := c.SendRequest(context.Background(), "echo", nil)
	assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioNumericID(t *testing.T) {
	c := connectPeer(t, "raw")

	raw, err := c.SendRequest(context.Background(), "numeric", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"numeric":true}`, string(raw))
}

func TestStdioRemoteError(t *testing.T) {
	c := connectPeer(t, "raw")

	_, err := c.SendRequest(context.Background(), "error", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTransport))

	var remote *RemoteError
	require.True(t, stderrors.As(err, &remote))
	assert.Equal(t, -32601, remote.Code)
	assert.Equal(t, "error", remote.Method)
}

func TestStdioTimeout(t *testing.T) {
	c := connectPeer(t, "raw", WithRequestTimeout(100*time.Millisecond))

	_, err := c.SendRequest(context.Background(), "hang", nil)
	assert.Equal(t, errors.CodeTimeout, errors.CodeOf(err))
	assert.Zero(t, c.pendingCount())
	assert.True(t, c.Connected())
}

func TestStdioServerExitFailsPending(t *testing.T) {
	c := connectPeer(t, "raw")

	_, err := c.SendRequest(context.Background(), "exit", nil)
	assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
	assert.False(t, c.Connected())

	_, err = c.SendRequest(context.Background(), "echo", nil)
	assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
}

func TestStdioDisconnectFailsPending(t *testing.T) {
	c := connectPeer(t, "raw")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.pendingCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	select {
	case err := <-errCh:
		assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.False(t, c.Connected())

	_, err := c.SendRequest(context.Background(), "echo", nil)
	assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))

	require.NoError(t, c.Connect(context.Background()))
	raw, err := c.SendRequest(context.Background(), "echo", map[string]any{"again": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"again":true}`, string(raw))
}

func TestStdioStartFailure(t *testing.T) {
	c := NewStdioClient(ServerConfig{Name: "missing", Command: "/nonexistent/koder-mcp-server"})
	err := c.Connect(context.Background())
	assert.Equal(t, errors.CodeTransport, errors.CodeOf(err))
	assert.False(t, c.Connected())
}

func TestStdioAgainstServer(t *testing.T) {
	c := connectPeer(t, "serve")
	ctx := context.Background()

	res, err := c.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "koder-test", res.ServerInfo.Name)
	assert.NotEmpty(t, res.ProtocolVersion)

	infos, err := c.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{"greet", "fail"}, names)

	out, err := c.CallTool(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello, ada", FlattenContent(out))

	remote := RemoteTools("peer", infos, fakeSource{client: c})
	var greet, fail core.Tool
	for _, tool := range remote {
		switch tool.Name() {
		case "remote::peer::greet":
			greet = tool
		case "remote::peer::fail":
			fail = tool
		}
	}
	require.NotNil(t, greet)
	require.NotNil(t, fail)

	assert.False(t, greet.ValidateInput(ctx, map[string]any{}, nil).OK)
	result, err := greet.Call(ctx, map[string]any{"name": "bob"}, core.NewInvocation("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello, bob", core.RenderForAssistant(greet, result))

	_, err = fail.Call(ctx, map[string]any{}, core.NewInvocation("s"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}
