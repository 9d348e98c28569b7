package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors shared by all transports.
var (
	// ErrNotReady is returned by tool operations before the handshake
	// has completed or after the transport has stopped.
	ErrNotReady = errors.New("transport not ready")

	// ErrTimeout is returned when a server does not answer within the
	// transport's call budget.
	ErrTimeout = errors.New("timed out waiting for server response")

	// ErrTransportClosed is returned when the connection to the server
	// is lost while a request is outstanding.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnknownTransport is returned for an unrecognized transport kind.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Default budgets.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultStopGrace   = 5 * time.Second
)

// Transport is a live connection to one MCP server. A Transport is
// single use: Start it once, call tools while it is ready, then Stop.
type Transport interface {
	// Start connects to the server and completes the initialize
	// handshake. For stdio the command is spawned with args in
	// workingDir. For network transports args[0] is the server URL
	// and command is ignored. A failed Start leaves the transport
	// stopped.
	Start(ctx context.Context, command string, args []string, workingDir string) error

	// Stop releases the connection. It is idempotent.
	Stop() error

	// ExecuteTool invokes a tool. Protocol and transport errors are
	// reported as a failed Result.
	ExecuteTool(ctx context.Context, tool string, args map[string]any) Result

	// ListTools returns the names of the server's tools.
	ListTools(ctx context.Context) ([]string, error)

	// ToolSchemas returns the server's full tool descriptors.
	ToolSchemas(ctx context.Context) ([]ToolDescriptor, error)

	// IsAlive reports whether the underlying connection is still usable.
	IsAlive() bool

	// State returns the transport's lifecycle state.
	State() State
}

// State is a transport's position in its lifecycle.
type State int32

const (
	StateUnstarted State = iota
	StateStarted
	StateInitializing
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Kind names a transport variant.
type Kind string

const (
	KindStdio      Kind = "stdio"
	KindSSE        Kind = "sse"
	KindHTTPStream Kind = "http_stream"
)

// ParseKind maps a configuration string to a Kind. An empty string
// selects stdio.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stdio":
		return KindStdio, nil
	case "sse":
		return KindSSE, nil
	case "http_stream", "http-stream", "http", "streamable_http", "streamable-http":
		return KindHTTPStream, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

// Options carries the settings common to every transport kind. Fields
// that do not apply to a kind are ignored.
type Options struct {
	// ClientInfo is sent during initialize.
	ClientInfo ClientInfo

	// CallTimeout bounds each request on network transports. Zero
	// means DefaultCallTimeout. Stdio calls are bounded only by the
	// caller's context.
	CallTimeout time.Duration

	// StopGrace is how long a stdio subprocess gets to exit after
	// SIGTERM before it is killed. Zero means DefaultStopGrace.
	StopGrace time.Duration

	// Env holds extra KEY=VALUE pairs for stdio subprocesses.
	Env []string

	// Headers are sent with every HTTP request.
	Headers map[string]string

	// HTTPClient overrides the client used for network transports.
	HTTPClient *http.Client

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// New constructs an unstarted transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindStdio:
		return NewStdioTransport(StdioConfig{
			Env:        opts.Env,
			StopGrace:  opts.StopGrace,
			ClientInfo: opts.ClientInfo,
			Logger:     opts.Logger,
		}), nil
	case KindSSE:
		return NewSSETransport(SSEConfig{
			CallTimeout: opts.CallTimeout,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			ClientInfo:  opts.ClientInfo,
			Logger:      opts.Logger,
		}), nil
	case KindHTTPStream:
		return NewHTTPStreamTransport(HTTPStreamConfig{
			CallTimeout: opts.CallTimeout,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			ClientInfo:  opts.ClientInfo,
			Logger:      opts.Logger,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, kind)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
