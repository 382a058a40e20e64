// Package gateway implements the relay between channel and node peers.
//
// # Architecture
//
// Gateway is the process shell. It owns:
//
//   - Router: the websocket endpoint and the connection table
//   - the HTTP surface: health, readiness, read API, metrics
//   - the listener: plain TCP or a tsnet node on the tailnet
//
// # Connection Lifecycle
//
// Every websocket starts Unauthenticated. A valid auth envelope moves it to
// Authenticated and is acknowledged with {"type":"auth","status":"ok"}. A
// wrong secret is answered with an error envelope and the socket is closed
// with code 1008. Other envelopes sent before auth get an error envelope and
// the socket stays open. Closing the transport removes the connection from
// the table immediately.
//
// # Routing
//
//	event        channel -> node
//	tool_call    node    -> channel
//	tool_result  channel -> node
//	response     node    -> channel
//	error        either  -> opposite role, only with a sessionId
//
// Sending a message with a sessionId binds the sender to that session. A
// message for session S reaches every authenticated peer of the target role
// that is unbound or bound to S. Peers receive the frame exactly as the
// sender wrote it.
//
// Session-bearing messages are persisted before they are routed: an event
// creates its session, then the message is appended. Store failures are
// logged and counted; routing goes ahead regardless.
//
// # HTTP Endpoints
//
//   - GET /health: liveness
//   - GET /health/ready: 503 until a node is authenticated
//   - GET /api/sessions/{id}: session metadata and history (bearer secret)
//   - GET /api/sessions/{id}/messages: history, ?limit=N (bearer secret)
//   - GET /api/connections: live peers (bearer secret)
//   - metrics.path: Prometheus metrics when enabled
package gateway
