// Package protocol defines the envelope exchanged between channels, nodes and
// the relay.
//
// # Envelope
//
// Every frame is a single JSON object with a "type" discriminator, an "id"
// chosen by the sender and an optional "sessionId":
//
//	{"type":"event","id":"3","sessionId":"s1","channelId":"c1","userId":"u1","text":"hello agent"}
//
// The set of types is closed:
//
//   - auth: first frame on every connection, carries token and role
//   - event: user input, channel to node
//   - tool_call: tool invocation request, node to channel
//   - tool_result: tool outcome, channel to node
//   - response: streamed reply fragment, node to channel
//   - error: diagnostic, relay to any peer
//
// Each type has its own Go struct implementing Message. Decode peeks the
// discriminator, decodes the matching variant and validates it, so callers
// switch over concrete types:
//
//	msg, err := protocol.Decode(frame)
//	switch m := msg.(type) {
//	case *protocol.Event:
//	case *protocol.ToolResult:
//	}
//
// # Errors
//
//   - ErrMalformed: the frame is not a JSON object with a string type
//   - ErrUnknownType: the type is outside the closed set
//   - ErrInvalid: a required field is missing or has a bad value
//
// None of these are fatal to a connection.
package protocol
