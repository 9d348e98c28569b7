package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcpexec/internal/config"
	"github.com/nugget/mcpexec/internal/httpkit"
)

// SSEConfig configures an SSE MCP transport: a long-lived GET event
// stream for server messages plus POSTed client messages.
type SSEConfig struct {
	// CallTimeout bounds each request from POST to reply.
	CallTimeout time.Duration

	// Headers are sent with every HTTP request (e.g., Authorization).
	Headers map[string]string

	// HTTPClient overrides the client built by httpkit. It must not
	// set a client-wide Timeout, which would cut the event stream.
	HTTPClient *http.Client

	// ClientInfo is sent during initialize.
	ClientInfo ClientInfo

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// PendingRequest is a request awaiting its reply on the event stream.
type PendingRequest struct {
	ID       int64
	Method   string
	IssuedAt time.Time

	reply chan *Response
}

// SSETransport communicates with an MCP server over Server-Sent Events.
// A background listener reads the stream; the first non-JSON event
// names the endpoint requests are POSTed to, and every JSON event is
// routed to the pending request with the matching id. Replies may
// arrive in any order.
type SSETransport struct {
	*session
	config SSEConfig
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	endpoint *url.URL
	found    chan struct{} // closed once endpoint is set
	pending  map[int64]*PendingRequest
	cancel   context.CancelFunc
	done     chan struct{} // closed when the listener exits
}

// NewSSETransport creates an unstarted SSE transport.
func NewSSETransport(cfg SSEConfig) *SSETransport {
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

	t := &SSETransport{
		config:  cfg,
		logger:  logger,
		client:  client,
		found:   make(chan struct{}),
		pending: make(map[int64]*PendingRequest),
	}
	t.session = newSession(KindSSE, t, cfg.ClientInfo, logger)
	return t
}

// streamURL returns the event stream URL for a server base URL. A base
// URL without a path gets /sse appended.
func streamURL(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q: scheme must be http or https", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sse"
	}
	return u, nil
}

// Start opens the event stream at args[0], waits for the server to
// announce its message endpoint, and performs the initialize handshake.
// The command and workingDir arguments are ignored.
func (t *SSETransport) Start(ctx context.Context, _ string, args []string, _ string) error {
	if !t.advance(StateUnstarted, StateStarted) {
		return fmt.Errorf("start sse transport: transport is %s", t.State())
	}
	if len(args) == 0 || args[0] == "" {
		t.setState(StateStopped)
		return errors.New("start sse transport: server URL required as first argument")
	}

	u, err := streamURL(args[0])
	if err != nil {
		t.setState(StateStopped)
		return fmt.Errorf("start sse transport: %w", err)
	}

	if err := t.connect(ctx, u); err != nil {
		_ = t.Stop()
		return fmt.Errorf("start sse transport %s: %w", u.Redacted(), err)
	}

	if err := t.initialize(ctx); err != nil {
		_ = t.Stop()
		return fmt.Errorf("start sse transport %s: %w", u.Redacted(), err)
	}
	return nil
}

// connect opens the stream and blocks until the endpoint is known.
func (t *SSETransport) connect(ctx context.Context, u *url.URL) error {
	// The stream outlives ctx; only Stop or a server disconnect ends it.
	listenCtx, cancel := context.WithCancel(context.Background())
	stopAbort := context.AfterFunc(ctx, cancel)
	defer stopAbort()

	req, err := http.NewRequestWithContext(listenCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	t.logger.Info("opening MCP event stream", "url", u.Redacted())

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return fmt.Errorf("event stream returned %d: %s", resp.StatusCode, body)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.listen(resp, u, done)

	timer := time.NewTimer(t.config.CallTimeout)
	defer timer.Stop()

	select {
	case <-t.found:
		return nil
	case <-done:
		return fmt.Errorf("%w: event stream ended before endpoint was announced", ErrTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no endpoint announced after %s", ErrTimeout, t.config.CallTimeout)
	}
}

// listen reads the event stream until it ends, then fails every
// pending request.
func (t *SSETransport) listen(resp *http.Response, base *url.URL, done chan struct{}) {
	defer close(done)
	defer resp.Body.Close()

	er := newEventReader(resp.Body)
	for {
		ev, err := er.next()
		if err != nil {
			t.logger.Debug("MCP event stream closed", "error", err)
			t.failPending()
			return
		}
		t.handle(ev, base)
	}
}

// handle routes one event: the endpoint announcement or a reply.
func (t *SSETransport) handle(ev event, base *url.URL) {
	data := strings.TrimSpace(ev.data)
	if data == "" {
		return
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP sse recv", "event", ev.name, "data", data)

	if data[0] != '{' && data[0] != '[' {
		t.setEndpoint(base, data)
		return
	}

	resp, ok := decodeReply([]byte(data))
	if !ok {
		t.logger.Debug("skipping non-reply MCP event", "event", ev.name)
		return
	}

	t.mu.Lock()
	p, ok := t.pending[resp.ID]
	delete(t.pending, resp.ID)
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("dropping MCP reply with no waiter", "id", resp.ID)
		return
	}
	p.reply <- resp
}

// setEndpoint records the message endpoint announced by the server.
// Only the first announcement counts.
func (t *SSETransport) setEndpoint(base *url.URL, ref string) {
	u, err := base.Parse(ref)
	if err != nil {
		t.logger.Warn("ignoring malformed MCP endpoint", "endpoint", ref, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint != nil {
		t.logger.Debug("ignoring repeated MCP endpoint", "endpoint", ref)
		return
	}
	t.endpoint = u
	close(t.found)
	t.logger.Debug("MCP message endpoint announced", "endpoint", u.Redacted())
}

// failPending wakes every waiter with a closed-transport reply.
func (t *SSETransport) failPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, p := range pending {
		close(p.reply)
	}
}

// Pending returns a snapshot of the requests awaiting replies.
func (t *SSETransport) Pending() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]PendingRequest, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, PendingRequest{ID: p.ID, Method: p.Method, IssuedAt: p.IssuedAt})
	}
	return out
}

// roundTrip registers req as pending, POSTs it, and waits for the
// listener to deliver the reply with the same id.
func (t *SSETransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	p := &PendingRequest{
		ID:       req.ID,
		Method:   req.Method,
		IssuedAt: time.Now(),
		reply:    make(chan *Response, 1),
	}

	t.mu.Lock()
	if t.pending == nil {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.pending[req.ID] = p
	endpoint := t.endpoint
	t.mu.Unlock()

	defer t.forget(req.ID)

	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	if err := t.post(ctx, endpoint, req); err != nil {
		return nil, t.budgetError(ctx, req, err)
	}

	select {
	case resp, ok := <-p.reply:
		if !ok {
			return nil, fmt.Errorf("%w: event stream ended awaiting %s", ErrTransportClosed, req.Method)
		}
		t.logger.Debug("MCP reply received",
			"method", req.Method,
			"id", req.ID,
			"elapsed", time.Since(p.IssuedAt),
		)
		return resp, nil
	case <-ctx.Done():
		return nil, t.budgetError(ctx, req, ctx.Err())
	}
}

// budgetError reports an expired call budget as ErrTimeout, leaving
// caller cancellation as is.
func (t *SSETransport) budgetError(ctx context.Context, req *Request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s (id %d) after %s", ErrTimeout, req.Method, req.ID, t.config.CallTimeout)
	}
	return err
}

func (t *SSETransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *SSETransport) notify(ctx context.Context, n *Notification) error {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()
	return t.post(ctx, endpoint, n)
}

// post sends one message to the endpoint. The reply, if any, arrives on
// the event stream; the POST itself only needs to be accepted.
func (t *SSETransport) post(ctx context.Context, endpoint *url.URL, msg any) error {
	if endpoint == nil {
		return fmt.Errorf("%w: no message endpoint", ErrNotReady)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP sse send", "data", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint.Redacted(), err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("POST %s returned %d: %s", endpoint.Redacted(), resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
}

// IsAlive reports whether the event stream is still open.
func (t *SSETransport) IsAlive() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop closes the event stream and waits for the listener to exit.
// Calling Stop more than once is a no-op.
func (t *SSETransport) Stop() error {
	t.setState(StateStopped)

	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	t.logger.Info("MCP event stream closed")
	return nil
}
