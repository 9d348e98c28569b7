// Package mcptest provides an in-process MCP server for tests. One
// Server can be exposed over stdio, Server-Sent Events or streamable
// HTTP, and records every method it receives.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Tool is a tool offered by the fake server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Call returns the text content for a call. A non-nil error is
	// reported as an isError result carrying the error text.
	Call func(args map[string]any) (string, error)
}

// Server answers initialize, tools/list and tools/call.
type Server struct {
	Name  string
	Tools []Tool

	// FailInitialize makes initialize return a JSON-RPC error.
	FailInitialize bool

	mu      sync.Mutex
	methods []string
	calls   []Call
}

// Call records one tools/call request.
type Call struct {
	Tool string
	Args map[string]any
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Methods returns the methods received so far, in order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Calls returns the tools/call requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Handle processes one JSON-RPC message. It returns the encoded reply,
// or nil for notifications.
func (s *Server) Handle(data []byte) []byte {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		out, _ := json.Marshal(reply{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: -32700, Message: "parse error"}})
		return out
	}

	s.mu.Lock()
	s.methods = append(s.methods, msg.Method)
	s.mu.Unlock()

	if len(msg.ID) == 0 {
		return nil
	}

	resp := reply{JSONRPC: "2.0", ID: msg.ID}
	switch msg.Method {
	case "initialize":
		if s.FailInitialize {
			resp.Error = &rpcError{Code: -32603, Message: "initialize refused"}
			break
		}
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name(), "version": "1.0.0"},
		}
	case "tools/list":
		tools := make([]map[string]any, 0, len(s.Tools))
		for _, tool := range s.Tools {
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": schema,
			})
		}
		resp.Result = map[string]any{"tools": tools}
	case "tools/call":
		resp.Result, resp.Error = s.call(msg.Params)
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + msg.Method}
	}

	out, _ := json.Marshal(resp)
	return out
}

func (s *Server) call(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Tool: p.Name, Args: p.Arguments})
	s.mu.Unlock()

	for _, tool := range s.Tools {
		if tool.Name != p.Name {
			continue
		}
		if tool.Call == nil {
			return textResult("", false), nil
		}
		text, err := tool.Call(p.Arguments)
		if err != nil {
			return textResult(err.Error(), true), nil
		}
		return textResult(text, false), nil
	}
	return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("unknown tool %q", p.Name)}
}

func textResult(text string, isError bool) map[string]any {
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if isError {
		result["isError"] = true
	}
	return result
}

func (s *Server) name() string {
	if s.Name == "" {
		return "mcptest"
	}
	return s.Name
}

// ServeStdio answers newline-delimited messages from r on w until r is
// exhausted. A log line is written before every reply to exercise
// clients that must skip non-protocol output.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		out := s.Handle(scanner.Bytes())
		if out == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "[%s] handling request\n%s\n", s.name(), out); err != nil {
			return err
		}
	}
	return scanner.Err()
}
