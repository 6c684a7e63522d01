// Package sseserver implements the legacy HTTP+SSE transport bridge for an
// MCP server: a long-lived GET endpoint that pushes protocol messages to the
// client over Server-Sent Events, and a shared delivery path the client
// POSTs its messages back to, correlated by a server-minted session id.
//
// The bridge owns session bookkeeping and HTTP dispatch only. The protocol
// method table lives behind the Engine interface; the bridge hands each
// session's channel pair to the engine and pumps whatever the engine emits
// onto the stream, in order, until either side goes away.
//
// The shared delivery path deliberately resolves the HTTP method to one of
// two unrelated operations before any shared logic runs: GET lists the
// session's capability table, POST delivers a protocol message. Anything
// else is rejected with a structured 405.
package sseserver
