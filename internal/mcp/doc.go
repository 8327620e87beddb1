// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 framing, the initialize handshake, capability discovery
// (tools, resources, prompts), and tool invocation.
//
// Transports are pluggable. Stdio launches the server as a subprocess and
// exchanges newline-delimited JSON over its pipes; HTTP posts each request
// to a remote endpoint; websocket keeps one persistent connection and
// correlates responses by request id. All three present the same Transport
// interface, so Client and everything above it is transport-agnostic.
package mcp
