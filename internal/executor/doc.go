// Package executor connects an agent to the relay as a node peer.
//
// The Executor owns one link at a time and walks it through
// disconnected, connecting, authenticating and active. Nothing but the auth
// frame is sent until the relay acknowledges it. When the link drops the
// executor waits out a backoff (base delay times the multiplier on each
// failure, capped, reset after a successful auth) and reconnects with the
// same token.
//
// Inbound events and tool results are queued for a single worker that calls
// the agent, so turns run in arrival order while the read loop keeps
// answering heartbeats. Agent output maps to the wire as:
//
//	message_update  response{done:false, text: accumulated text}
//	message_end     response{done:true, text: final text}
//	tool_call       tool_call{id: agent call id, toolName, args}
//	turn_end        nothing
//
// Link is also usable on its own, for example by a channel test client:
//
//	link, err := executor.Connect(ctx, "ws://localhost:18789", token, protocol.RoleChannel, 10*time.Second)
package executor
