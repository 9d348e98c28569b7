package mcp

import (
	"errors"
	"fmt"
)

// Result is the outcome of a tool call: either a success carrying the
// decoded payload, or a failure carrying a human-readable message.
// Exactly one of the two is meaningful, as reported by OK.
type Result struct {
	payload any
	message string
	failed  bool
}

// Success returns a successful Result carrying payload.
func Success(payload any) Result {
	return Result{payload: payload}
}

// Failure returns a failed Result carrying message.
func Failure(message string) Result {
	return Result{message: message, failed: true}
}

// Failuref formats a failure message.
func Failuref(format string, args ...any) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return !r.failed }

// Payload returns the decoded tool output. It is nil for failures.
func (r Result) Payload() any { return r.payload }

// Message returns the failure message. It is empty for successes.
func (r Result) Message() string { return r.message }

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if !r.failed {
		return nil
	}
	return errors.New(r.message)
}

// String renders the result for logs.
func (r Result) String() string {
	if r.failed {
		return "failure: " + r.message
	}
	return fmt.Sprintf("success: %v", r.payload)
}
