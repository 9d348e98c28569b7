package executor

import (
	"encoding/json"
	"time"

	"github.com/nugget/mcpexec/internal/mcp"
)

// Result is a tool call outcome annotated with where and how it ran.
type Result struct {
	mcp.Result

	Server   string
	Tool     string
	CallID   string
	Duration time.Duration
}

// ToolCall returns the "server:tool" identifier of the call.
func (r Result) ToolCall() string {
	return r.Server + ":" + r.Tool
}

// MarshalJSON renders the result envelope used by the CLI and logs.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Success    bool    `json:"success"`
		Result     any     `json:"result"`
		Error      *string `json:"error"`
		Tool       string  `json:"tool"`
		ToolCall   string  `json:"tool_call"`
		CallID     string  `json:"call_id,omitempty"`
		DurationMS int64   `json:"duration_ms"`
	}{
		Success:    r.OK(),
		Result:     r.Payload(),
		Tool:       r.ToolCall(),
		ToolCall:   r.ToolCall(),
		CallID:     r.CallID,
		DurationMS: r.Duration.Milliseconds(),
	}
	if !r.OK() {
		msg := r.Message()
		out.Error = &msg
	}
	return json.Marshal(out)
}
