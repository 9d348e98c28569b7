package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpexec/internal/config"
	"github.com/nugget/mcpexec/internal/httpkit"
)

// SessionHeader carries the server-assigned session id on streamable
// HTTP requests.
const SessionHeader = "Mcp-Session-Id"

// maxResponseBody bounds a single JSON reply body.
const maxResponseBody = 10 << 20

// HTTPStreamConfig configures a streamable HTTP MCP transport.
type HTTPStreamConfig struct {
	// CallTimeout bounds each request from POST to reply.
	CallTimeout time.Duration

	// Headers are sent with every HTTP request (e.g., Authorization).
	Headers map[string]string

	// HTTPClient overrides the client built by httpkit.
	HTTPClient *http.Client

	// ClientInfo is sent during initialize.
	ClientInfo ClientInfo

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPStreamTransport communicates with an MCP server over streamable
// HTTP. Every message is POSTed to <base>/mcp; the reply comes back in
// the response body as either JSON or an event stream.
type HTTPStreamTransport struct {
	*session
	config HTTPStreamConfig
	logger *slog.Logger
	client *http.Client
	open   atomic.Bool

	mu        sync.RWMutex
	endpoint  string
	sessionID string
}

// NewHTTPStreamTransport creates an unstarted streamable HTTP transport.
func NewHTTPStreamTransport(cfg HTTPStreamConfig) *HTTPStreamTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.CallTimeout = orDefault(cfg.CallTimeout, DefaultCallTimeout)

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	t := &HTTPStreamTransport{
		config: cfg,
		logger: logger,
		client: client,
	}
	t.session = newSession(KindHTTPStream, t, cfg.ClientInfo, logger)
	return t
}

// streamEndpoint returns <base>/mcp for a server base URL, leaving
// URLs that already end in /mcp alone.
func streamEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server URL %q: scheme must be http or https", base)
	}
	if !strings.HasSuffix(u.Path, "/mcp") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/mcp"
	}
	return u.String(), nil
}

// Start performs the initialize handshake against <args[0]>/mcp. The
// command and workingDir arguments are ignored.
func (t *HTTPStreamTransport) Start(ctx context.Context, _ string, args []string, _ string) error {
	if !t.advance(StateUnstarted, StateStarted) {
		return fmt.Errorf("start http_stream transport: transport is %s", t.State())
	}
	if len(args) == 0 || args[0] == "" {
		t.setState(StateStopped)
		return errors.New("start http_stream transport: server URL required as first argument")
	}

	endpoint, err := streamEndpoint(args[0])
	if err != nil {
		t.setState(StateStopped)
		return fmt.Errorf("start http_stream transport: %w", err)
	}

	t.mu.Lock()
	t.endpoint = endpoint
	t.mu.Unlock()
	t.open.Store(true)

	if err := t.initialize(ctx); err != nil {
		_ = t.Stop()
		return fmt.Errorf("start http_stream transport %s: %w", endpoint, err)
	}
	return nil
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPStreamTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPStreamTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, t.budgetError(ctx, req, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP server returned %d for %s: %s",
			resp.StatusCode, req.Method, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	reply, err := t.readReply(resp, req.ID)
	if err != nil {
		return nil, t.budgetError(ctx, req, err)
	}
	return reply, nil
}

// readReply extracts the reply to id from a JSON or event-stream body.
func (t *HTTPStreamTransport) readReply(resp *http.Response, id int64) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if mediaType == "text/event-stream" {
		er := newEventReader(resp.Body)
		for {
			ev, err := er.next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil, fmt.Errorf("%w: event stream ended without reply to id %d", ErrTransportClosed, id)
				}
				return nil, fmt.Errorf("read event stream: %w", err)
			}
			t.logger.Log(context.Background(), config.LevelTrace, "MCP http recv", "event", ev.name, "data", ev.data)
			if reply, ok := decodeReply([]byte(ev.data)); ok && reply.ID == id {
				return reply, nil
			}
			t.logger.Debug("skipping MCP event", "event", ev.name)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP http recv", "body", string(body))

	var reply Response
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if reply.ID != id {
		return nil, fmt.Errorf("response id %d does not match request id %d", reply.ID, id)
	}
	return &reply, nil
}

func (t *HTTPStreamTransport) notify(ctx context.Context, n *Notification) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("MCP server returned %d for notification: %s",
		resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
}

// post sends msg and captures the session id from the response.
func (t *HTTPStreamTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	if !t.open.Load() {
		return nil, ErrTransportClosed
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP http send", "body", string(body))

	t.mu.RLock()
	endpoint, sessionID := t.endpoint, t.sessionID
	t.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", endpoint, err)
	}

	if sid := resp.Header.Get(SessionHeader); sid != "" && sid != sessionID {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
		t.logger.Debug("MCP session established", "session_id", sid)
	}
	return resp, nil
}

func (t *HTTPStreamTransport) budgetError(ctx context.Context, req *Request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s (id %d) after %s", ErrTimeout, req.Method, req.ID, t.config.CallTimeout)
	}
	return err
}

// IsAlive reports whether the transport has been started and not
// stopped. Streamable HTTP holds no connection between requests, so
// liveness is only confirmed by the next request.
func (t *HTTPStreamTransport) IsAlive() bool {
	return t.open.Load()
}

// Stop ends the session. When the server assigned a session id, a
// best-effort DELETE releases it. Calling Stop more than once is a no-op.
func (t *HTTPStreamTransport) Stop() error {
	t.setState(StateStopped)
	if !t.open.Swap(false) {
		return nil
	}

	t.mu.Lock()
	endpoint, sessionID := t.endpoint, t.sessionID
	t.sessionID = ""
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(SessionHeader, sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	t.logger.Debug("MCP session closed", "session_id", sessionID, "status", resp.StatusCode)
	return nil
}
