// Package mqtt publishes MCP server health and tool call events to an
// MQTT broker so dashboards and home automation can follow what the
// executor is doing.
//
// Topics live under <prefix>/<instance_id>/:
//
//	availability             "online" / "offline" (retained, will message)
//	servers/<name>/status    connwatch status JSON (retained)
//	calls                    one JSON event per tool call
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it republishes availability and the last known status
// of each server.
package mqtt
