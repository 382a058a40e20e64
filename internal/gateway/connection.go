// ABOUTME: One websocket peer attached to the relay and its mutable routing state
// ABOUTME: Writes are serialized; role, token and bound session are guarded by a mutex

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/protocol"
)

// errConnClosed is returned by Send after the connection has been closed.
var errConnClosed = errors.New("connection closed")

// Connection represents one peer and its websocket.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	limiter      *rate.Limiter // nil when rate limiting is disabled
	logger       *slog.Logger

	mu            sync.RWMutex
	authenticated bool
	closed        bool
	role          protocol.Role
	token         string
	sessionID     string
}

// ConnectionInfo is a point-in-time view of a Connection.
type ConnectionInfo struct {
	ID            string        `json:"id"`
	Role          protocol.Role `json:"role,omitempty"`
	Authenticated bool          `json:"authenticated"`
	SessionID     string        `json:"sessionId,omitempty"`
	RemoteAddr    string        `json:"remoteAddr"`
	ConnectedAt   time.Time     `json:"connectedAt"`
}

func newConnection(ws *websocket.Conn, limits Limits, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	c := &Connection{
		ID:           id,
		ConnectedAt:  time.Now().UTC(),
		RemoteAddr:   ws.RemoteAddr().String(),
		ws:           ws,
		writeTimeout: limits.WriteTimeout,
		logger:       logger.With("conn_id", id),
	}
	if limits.RateLimit > 0 {
		burst := max(limits.RateBurst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(limits.RateLimit), burst)
	}
	return c
}

// Role returns the declared role, empty before authentication.
func (c *Connection) Role() protocol.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SessionID returns the session most recently named by this peer.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Authenticated reports whether the peer has presented a valid secret.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// accepts reports whether a message for sessionID routed to role should be
// delivered here.
func (c *Connection) accepts(role protocol.Role, sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.authenticated || c.closed || c.role != role {
		return false
	}
	return sessionID == "" || c.sessionID == "" || c.sessionID == sessionID
}

func (c *Connection) authenticate(role protocol.Role, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.role = role
	c.token = token
}

// bind records sessionID as the connection's current session. It returns
// the previous binding.
func (c *Connection) bind(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sessionID
	c.sessionID = sessionID
	return prev
}

// Info returns a snapshot for the connections API.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ID:            c.ID,
		Role:          c.role,
		Authenticated: c.authenticated,
		SessionID:     c.sessionID,
		RemoteAddr:    c.RemoteAddr,
		ConnectedAt:   c.ConnectedAt,
	}
}

// allow consumes one token from the inbound rate limiter. Nodes send one
// frame per reply fragment and are never limited.
func (c *Connection) allow() bool {
	if c.limiter == nil || c.Role() == protocol.RoleNode {
		return true
	}
	return c.limiter.Allow()
}

// Send writes one text frame.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return errConnClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendEnvelope encodes and writes msg.
func (c *Connection) SendEnvelope(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Connection) ping() error {
	deadline := time.Now().Add(max(c.writeTimeout, time.Second))
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// markClosed flips the connection to Closed. It returns false if it
// already was.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *Connection) Close(code int, reason string) {
	if !c.markClosed() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}
