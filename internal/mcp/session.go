package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcpexec/internal/buildinfo"
)

// wire is the framing half of a transport: one request/response
// exchange, or one notification with no reply.
type wire interface {
	roundTrip(ctx context.Context, req *Request) (*Response, error)
	notify(ctx context.Context, n *Notification) error
}

// session is the protocol half shared by every transport. It owns the
// lifecycle state, request ids and the handshake, and implements the
// tool operations on top of a wire.
type session struct {
	kind   Kind
	wire   wire
	client ClientInfo
	logger *slog.Logger

	state  atomic.Int32
	nextID atomic.Int64
	initMu sync.Mutex

	mu     sync.RWMutex
	server ServerInfo
}

func newSession(kind Kind, w wire, client ClientInfo, logger *slog.Logger) *session {
	if client.Name == "" {
		client.Name = buildinfo.ClientName
	}
	if client.Version == "" {
		client.Version = buildinfo.Version
	}
	return &session{kind: kind, wire: w, client: client, logger: logger}
}

// State returns the transport's lifecycle state.
func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) { s.state.Store(int32(st)) }

// advance moves from one state to the next, failing if another
// goroutine has already moved the transport elsewhere (usually Stop).
func (s *session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Server returns the server identity reported during initialize.
func (s *session) Server() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification.
func (s *session) initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if !s.advance(StateStarted, StateInitializing) {
		return fmt.Errorf("initialize: transport is %s", s.State())
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      s.client,
	}
	resp, err := s.wire.roundTrip(ctx, NewRequest(s.nextID.Add(1), MethodInitialize, params))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var result initializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("unmarshal initialize result: %w", err)
		}
	}

	s.mu.Lock()
	s.server = result.ServerInfo
	s.mu.Unlock()

	if err := s.wire.notify(ctx, NewNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	if !s.advance(StateInitializing, StateReady) {
		return fmt.Errorf("initialize: transport is %s", s.State())
	}

	s.logger.Info("MCP server initialized",
		"transport", s.kind,
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// call issues a request on a ready transport and unwraps JSON-RPC errors.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: %s transport is %s", ErrNotReady, s.kind, st)
	}

	resp, err := s.wire.roundTrip(ctx, NewRequest(s.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ToolSchemas calls tools/list and returns the full tool descriptors.
func (s *session) ToolSchemas(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := s.call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	s.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// ListTools calls tools/list and returns the tool names in server order.
func (s *session) ListTools(ctx context.Context) ([]string, error) {
	tools, err := s.ToolSchemas(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// ExecuteTool calls tools/call and decodes the text content. A nil args
// map is sent as an empty object.
func (s *session) ExecuteTool(ctx context.Context, tool string, args map[string]any) Result {
	if args == nil {
		args = map[string]any{}
	}

	raw, err := s.call(ctx, MethodToolsCall, callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return Failuref("error executing tool %s: %v", tool, err)
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Failuref("unmarshal tools/call result: %v", err)
	}
	return toolResultToResult(result)
}
