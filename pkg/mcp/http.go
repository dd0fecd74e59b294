package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// HeaderSessionID carries the server-assigned session across requests.
const HeaderSessionID = "Mcp-Session-Id"

// HTTPClient posts one JSON-RPC request per HTTP call. Responses may be a
// JSON body or a text/event-stream whose events carry JSON-RPC messages.
type HTTPClient struct {
	cfg    ServerConfig
	opts   clientOptions
	nextID atomic.Uint64

	mu        sync.Mutex
	connected bool
	sessionID string
	done      chan struct{}
}

// NewHTTPClient creates an unconnected HTTP client.
func NewHTTPClient(cfg ServerConfig, opts ...ClientOption) *HTTPClient {
	return &HTTPClient{cfg: cfg, opts: buildOptions(cfg, opts)}
}

func (c *HTTPClient) Name() string { return c.cfg.Name }

// Connect validates the endpoint and marks the client usable. No request is
// sent until the first call.
func (c *HTTPClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := url.Parse(c.endpoint())
	if err != nil {
		return transportError(c.cfg.Name, fmt.Errorf("invalid url: %w", err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return transportError(c.cfg.Name, fmt.Errorf("invalid url %q", c.cfg.URL))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.connected = true
		c.done = make(chan struct{})
	}
	return nil
}

// Disconnect fails in-flight requests with ConnectionClosed and forgets the
// session.
func (c *HTTPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	c.sessionID = ""
	close(c.done)
	return nil
}

func (c *HTTPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the session assigned by the server, if any.
func (c *HTTPClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *HTTPClient) endpoint() string {
	ep := c.cfg.Endpoint
	if ep == "" {
		ep = DefaultEndpoint
	}
	return strings.TrimRight(c.cfg.URL, "/") + "/" + strings.TrimLeft(ep, "/")
}

func (c *HTTPClient) state() (string, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", nil, connectionClosed(c.cfg.Name, "not connected")
	}
	return c.sessionID, c.done, nil
}

// SendRequest posts a request and returns the result of its response.
func (c *HTTPClient) SendRequest(ctx context.Context, method string, params any) (result json.RawMessage, err error) {
	ctx, span := startSpan(ctx, c.cfg.Name, method, TransportHTTP)
	defer func() { endSpan(span, err) }()

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	msg, err := c.post(ctx, method, newRequest(id, method, params), id)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, remoteError(c.cfg.Name, method, msg.Error)
	}
	return msg.Result, nil
}

// Notify posts a notification; the server answers 202 without a body.
func (c *HTTPClient) Notify(ctx context.Context, method string, params any) error {
	_, err := c.post(ctx, method, newRequest("", method, params), "")
	return err
}

func (c *HTTPClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	return initialize(ctx, c)
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return listTools(ctx, c)
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return callTool(ctx, c, name, args)
}

// post sends req and, when wantID is set, waits for the matching response.
func (c *HTTPClient) post(ctx context.Context, method string, req Request, wantID string) (*message, error) {
	sessionID, done, err := c.state()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, transportError(c.cfg.Name, fmt.Errorf("encode %s: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, transportError(c.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if sessionID != "" {
		httpReq.Header.Set(HeaderSessionID, sessionID)
	}

	resp, err := c.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.requestError(ctx, done, method, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(HeaderSessionID); sid != "" {
		c.mu.Lock()
		if c.connected {
			c.sessionID = sid
		}
		c.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, transportError(c.cfg.Name,
			fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	if wantID == "" {
		return nil, nil
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, transportError(c.cfg.Name, fmt.Errorf("%s: server sent no response", method))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var msg *message
	if mediaType == "text/event-stream" {
		msg, err = c.readEventStream(resp.Body, wantID)
	} else {
		msg, err = c.readJSON(resp.Body, wantID)
	}
	if err != nil {
		return nil, c.requestError(ctx, done, method, err)
	}
	return msg, nil
}

func (c *HTTPClient) requestError(ctx context.Context, done chan struct{}, method string, err error) error {
	select {
	case <-done:
		return connectionClosed(c.cfg.Name, "client disconnected")
	default:
	}
	if ctx.Err() != nil {
		return timeoutError(c.cfg.Name, method, ctx.Err())
	}
	return transportError(c.cfg.Name, err)
}

func (c *HTTPClient) readJSON(r io.Reader, wantID string) (*message, error) {
	var msg message
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	id, ok := normalizeID(msg.ID)
	if !ok && msg.Error != nil {
		// Errors raised before the server could read the id come back with a null id.
		return &msg, nil
	}
	if id != wantID {
		return nil, fmt.Errorf("response id %q does not match request %q", id, wantID)
	}
	return &msg, nil
}

// readEventStream returns the first event carrying the response for wantID.
// Notifications interleaved on the stream are logged and skipped.
func (c *HTTPClient) readEventStream(r io.Reader, wantID string) (*message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var data strings.Builder
	flush := func() (*message, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg message
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			c.opts.logger.Debug("mcp.http.invalid_event", slog.String("error", err.Error()))
			return nil, false
		}
		id, ok := normalizeID(msg.ID)
		if !ok || !msg.isResponse() {
			c.opts.logger.Debug("mcp.http.notification", slog.String("method", msg.Method))
			return nil, false
		}
		if id != wantID {
			c.opts.logger.Warn("mcp.http.unknown_id", slog.String("id", id))
			return nil, false
		}
		return &msg, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
