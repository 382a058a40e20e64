// ABOUTME: Envelope variants for the relay wire protocol
// ABOUTME: One struct per message type sharing a common Header

package protocol

// Type is the envelope discriminator.
type Type string

// Envelope types. The set is closed.
const (
	TypeAuth       Type = "auth"
	TypeEvent      Type = "event"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeResponse   Type = "response"
	TypeError      Type = "error"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeAuth, TypeEvent, TypeToolCall, TypeToolResult, TypeResponse, TypeError:
		return true
	}
	return false
}

// Role is the declared class of a peer.
type Role string

const (
	RoleChannel Role = "channel"
	RoleNode    Role = "node"
)

// Valid reports whether r is channel or node.
func (r Role) Valid() bool {
	return r == RoleChannel || r == RoleNode
}

// Opposite returns the peer role on the other side of the relay.
func (r Role) Opposite() Role {
	if r == RoleChannel {
		return RoleNode
	}
	return RoleChannel
}

// StatusOK is the status carried by a successful auth acknowledgement.
const StatusOK = "ok"

// Header holds the fields shared by every envelope.
type Header struct {
	Type      Type   `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Message is implemented by every envelope variant.
type Message interface {
	Kind() Type
	Head() *Header
}

// Head returns the shared header. Promoted to every variant.
func (h *Header) Head() *Header { return h }

// Auth is the first frame a peer sends. The relay echoes it back with
// Status set to "ok" on success.
type Auth struct {
	Header
	Token  string `json:"token,omitempty"`
	Role   Role   `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
}

func (*Auth) Kind() Type { return TypeAuth }

// Attachment references a file shared alongside an event.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Event is user input originating at a channel.
type Event struct {
	Header
	ChannelID   string       `json:"channelId"`
	UserID      string       `json:"userId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (*Event) Kind() Type { return TypeEvent }

// ToolCall asks the channel side to run a tool. ID is the agent's call id
// and is echoed by the matching ToolResult.
type ToolCall struct {
	Header
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

func (*ToolCall) Kind() Type { return TypeToolCall }

// ToolResult carries the outcome of a ToolCall back to the node.
type ToolResult struct {
	Header
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (*ToolResult) Kind() Type { return TypeToolResult }

// Response is one streamed reply fragment. Done marks the final fragment.
type Response struct {
	Header
	Text string `json:"text"`
	Done bool   `json:"done"`
}

func (*Response) Kind() Type { return TypeResponse }

// Error is a diagnostic. It is fatal only when the relay closes the
// connection right after sending it.
type Error struct {
	Header
	Message string `json:"message"`
}

func (*Error) Kind() Type { return TypeError }

// NewAuth builds the auth frame a peer sends after connecting.
func NewAuth(id, token string, role Role) *Auth {
	return &Auth{Header: Header{Type: TypeAuth, ID: id}, Token: token, Role: role}
}

// AuthOK builds the relay's acknowledgement for a successful auth.
func AuthOK(id string) *Auth {
	return &Auth{Header: Header{Type: TypeAuth, ID: id}, Status: StatusOK}
}

// NewError builds an error envelope. id may be empty.
func NewError(id, message string) *Error {
	return &Error{Header: Header{Type: TypeError, ID: id}, Message: message}
}

// NewEvent builds an event envelope.
func NewEvent(id, sessionID, channelID, userID, text string) *Event {
	return &Event{
		Header:    Header{Type: TypeEvent, ID: id, SessionID: sessionID},
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
	}
}

// NewResponse builds a response fragment.
func NewResponse(id, sessionID, text string, done bool) *Response {
	return &Response{Header: Header{Type: TypeResponse, ID: id, SessionID: sessionID}, Text: text, Done: done}
}

// NewToolCall builds a tool call request. A nil args map is sent as {}.
func NewToolCall(id, sessionID, toolName string, args map[string]any) *ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return &ToolCall{Header: Header{Type: TypeToolCall, ID: id, SessionID: sessionID}, ToolName: toolName, Args: args}
}

// NewToolResult builds a tool result for the call identified by callID.
func NewToolResult(callID, sessionID, result, errMsg string) *ToolResult {
	return &ToolResult{Header: Header{Type: TypeToolResult, ID: callID, SessionID: sessionID}, Result: result, Error: errMsg}
}

// RouteTarget returns the role that receives envelopes of type t.
// auth and error have no fixed target.
func RouteTarget(t Type) (Role, bool) {
	switch t {
	case TypeEvent, TypeToolResult:
		return RoleNode, true
	case TypeToolCall, TypeResponse:
		return RoleChannel, true
	}
	return "", false
}
