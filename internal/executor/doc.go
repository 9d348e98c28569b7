// Package executor dispatches tool calls to the MCP servers named in a
// registry. An Executor starts transports lazily on first use, keeps at
// most one live transport per server, and caches each server's tool
// names and schemas until Shutdown.
//
// Every call returns a Result; problems reaching a server or running a
// tool are reported as failed Results rather than errors, so callers
// can treat all outcomes uniformly.
package executor
