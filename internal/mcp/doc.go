// Package mcp implements the client side of the Model Context Protocol
// (MCP) over three transports: a subprocess speaking newline-delimited
// JSON on stdin/stdout, a Server-Sent Events stream paired with POSTed
// requests, and streamable HTTP where every request is a POST whose
// reply is either a JSON body or an event stream.
//
// Every transport runs the same JSON-RPC 2.0 handshake (initialize
// followed by notifications/initialized) before it reports ready, and
// exposes the same tool operations: tools/list and tools/call. Tool
// output is returned as a [Result], a success payload or a failure
// message, never a Go error.
//
// This package covers the client/host side only. The mcptest
// subpackage provides in-process fake servers for tests.
package mcp
