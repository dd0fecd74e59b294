package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// shutdownGrace is how long Disconnect waits for the server to exit
	// after its stdin is closed before killing it.
	shutdownGrace = 2 * time.Second
	maxStderrLine = 1 << 20
)

// StdioClient speaks newline-delimited JSON-RPC with a spawned subprocess.
type StdioClient struct {
	cfg    ServerConfig
	opts   clientOptions
	nextID atomic.Uint64

	mu   sync.Mutex
	conn *stdioConn
}

// stdioConn is one live subprocess. A new one is created on every Connect.
type stdioConn struct {
	server  string
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	// writing holds one token while a frame is being written.
	writing chan struct{}

	mu      sync.Mutex
	pending map[string]chan *message
	closed  bool
	err     error
	done    chan struct{}
	exited  chan struct{}
}

// NewStdioClient creates an unconnected stdio client.
func NewStdioClient(cfg ServerConfig, opts ...ClientOption) *StdioClient {
	return &StdioClient{cfg: cfg, opts: buildOptions(cfg, opts)}
}

func (c *StdioClient) Name() string { return c.cfg.Name }

// Connect spawns the server process. It is a no-op when already connected.
func (c *StdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.isClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return transportError(c.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return transportError(c.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return transportError(c.cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return transportError(c.cfg.Name, fmt.Errorf("start %s: %w", c.cfg.Command, err))
	}

	conn := &stdioConn{
		server:  c.cfg.Name,
		logger:  c.opts.logger,
		cmd:     cmd,
		stdin:   stdin,
		writing: make(chan struct{}, 1),
		pending: make(map[string]chan *message),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.conn = conn

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		conn.forwardStderr(stderr)
	}()
	go func() {
		conn.readLoop(stdout)
		stderrDone.Wait()
		err := cmd.Wait()
		conn.logger.Debug("mcp.stdio.exit", slog.Any("error", err))
		close(conn.exited)
	}()

	c.opts.logger.Debug("mcp.stdio.connected",
		slog.String("command", c.cfg.Command),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Disconnect fails every pending request with ConnectionClosed and stops the
// server process.
func (c *StdioClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.fail(connectionClosed(c.cfg.Name, "client disconnected"))
	_ = conn.stdin.Close()

	select {
	case <-conn.exited:
	case <-time.After(shutdownGrace):
		_ = conn.cmd.Process.Kill()
		<-conn.exited
	}
	return nil
}

// Connected reports whether a live connection exists.
func (c *StdioClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.isClosed()
}

func (c *StdioClient) current() (*stdioConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, connectionClosed(c.cfg.Name, "not connected")
	}
	return c.conn, nil
}

// SendRequest writes a request and waits for the response carrying its id.
func (c *StdioClient) SendRequest(ctx context.Context, method string, params any) (result json.RawMessage, err error) {
	ctx, span := startSpan(ctx, c.cfg.Name, method, TransportStdio)
	defer func() { endSpan(span, err) }()

	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan *message, 1)
	if err := conn.register(id, ch); err != nil {
		return nil, err
	}
	defer conn.unregister(id)

	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	if err := conn.write(ctx, newRequest(id, method, params)); err != nil {
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutError(c.cfg.Name, method, err)
		}
		return nil, err
	}

	select {
	case msg := <-ch:
		return c.unpack(method, msg)
	case <-conn.done:
		// A response may have raced the teardown.
		select {
		case msg := <-ch:
			return c.unpack(method, msg)
		default:
		}
		return nil, conn.closeErr()
	case <-ctx.Done():
		return nil, timeoutError(c.cfg.Name, method, ctx.Err())
	}
}

func (c *StdioClient) unpack(method string, msg *message) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, remoteError(c.cfg.Name, method, msg.Error)
	}
	return msg.Result, nil
}

// Notify writes a notification.
func (c *StdioClient) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	return conn.write(ctx, newRequest("", method, params))
}

func (c *StdioClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	return initialize(ctx, c)
}

func (c *StdioClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return listTools(ctx, c)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return callTool(ctx, c, name, args)
}

func (s *stdioConn) register(id string, ch chan *message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.pending[id] = ch
	return nil
}

func (s *stdioConn) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *stdioConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stdioConn) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail closes the connection once; waiters observe done and read err.
func (s *stdioConn) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.pending = make(map[string]chan *message)
	close(s.done)
}

// write sends one frame. Waiting for an earlier frame returns ctx.Err() when
// ctx ends; a frame still being written when ctx ends leaves the stream in
// an unknown state, so the connection is failed and stdin closed.
func (s *stdioConn) write(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return transportError(s.server, fmt.Errorf("encode %s: %w", req.Method, err))
	}
	data = append(data, '\n')

	select {
	case s.writing <- struct{}{}:
	case <-s.done:
		return s.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.isClosed() {
		<-s.writing
		return s.closeErr()
	}

	written := make(chan error, 1)
	go func() {
		_, err := s.stdin.Write(data)
		<-s.writing
		written <- err
	}()

	select {
	case err := <-written:
		return s.afterWrite(err)
	case <-ctx.Done():
		select {
		case err := <-written:
			return s.afterWrite(err)
		default:
		}
		s.logger.Warn("mcp.stdio.write_stalled", slog.String("method", req.Method))
		s.fail(connectionClosed(s.server, "write stalled: "+ctx.Err().Error()))
		_ = s.stdin.Close()
		return s.closeErr()
	}
}

func (s *stdioConn) afterWrite(err error) error {
	if err == nil {
		return nil
	}
	s.fail(connectionClosed(s.server, "write failed: "+err.Error()))
	return s.closeErr()
}

func (s *stdioConn) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.dispatch(line)
		}
		if err != nil {
			reason := "server closed the connection"
			if err != io.EOF {
				reason = "read failed: " + err.Error()
			}
			s.fail(connectionClosed(s.server, reason))
			return
		}
	}
}

func (s *stdioConn) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Debug("mcp.stdio.invalid_frame", slog.String("error", err.Error()))
		return
	}
	id, hasID := normalizeID(msg.ID)
	switch {
	case !hasID:
		s.logger.Debug("mcp.stdio.notification", slog.String("method", msg.Method))
		return
	case !msg.isResponse():
		s.logger.Debug("mcp.stdio.server_request", slog.String("method", msg.Method), slog.String("id", id))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("mcp.stdio.unknown_id", slog.String("id", id))
		return
	}
	ch <- &msg
}

func (s *stdioConn) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		s.logger.Debug("mcp.stdio.stderr", slog.String("line", scanner.Text()))
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
