// Package streaminghttp implements the streamable HTTP transport for the
// MCP endpoint.
//
// A POST carries exactly one JSON-RPC request or notification and receives a
// plain application/json response (202 Accepted for notifications). A GET
// with Accept: text/event-stream opens the session's server-to-client
// stream; messages are delivered as "message" events with stream ids so a
// client can resume with Last-Event-ID, and "heartbeat" events are emitted
// on an interval to keep the connection alive through proxies. A DELETE
// tears the session down.
//
// The handler also publishes the OAuth discovery documents under
// /.well-known and, when configured, the /authorize and /token endpoints of
// the built-in authorization server.
package streaminghttp
