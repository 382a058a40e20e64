// ABOUTME: Link is an authenticated websocket connection to the relay
// ABOUTME: Dial connects, Authenticate sends auth and waits for the acknowledgement

package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/protocol"
)

// Link errors
var (
	// ErrAuthRejected means the relay answered auth with an error or closed
	// the connection
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthTimeout means no acknowledgement arrived in time
	ErrAuthTimeout = errors.New("authentication timed out")
)

const writeWait = 10 * time.Second

// Link wraps one relay connection. Writes are serialized; reads must come
// from a single goroutine.
type Link struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string) (*Link, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status: %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &Link{ws: ws}, nil
}

// Connect dials url and authenticates as role.
func Connect(ctx context.Context, url, token string, role protocol.Role, timeout time.Duration) (*Link, error) {
	l, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := l.Authenticate(ctx, token, role, timeout); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Authenticate sends an auth frame and blocks until the relay acknowledges
// it, rejects it, or timeout elapses.
func (l *Link) Authenticate(ctx context.Context, token string, role protocol.Role, timeout time.Duration) error {
	if err := l.Send(protocol.NewAuth(uuid.NewString(), token, role)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if timeout > 0 {
		_ = l.ws.SetReadDeadline(deadline)
		defer l.ws.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = l.ws.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.As(err, &netErr) && netErr.Timeout():
				return ErrAuthTimeout
			case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
				return ErrAuthRejected
			}
			return fmt.Errorf("awaiting auth acknowledgement: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.Auth:
			if m.Status == protocol.StatusOK {
				return nil
			}
		case *protocol.Error:
			return fmt.Errorf("%w: %s", ErrAuthRejected, m.Message)
		}
	}
}

// Send encodes and writes msg.
func (l *Link) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return l.SendRaw(data)
}

// SendRaw writes one text frame.
func (l *Link) SendRaw(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

// Read returns the next data frame.
func (l *Link) Read() ([]byte, error) {
	_, data, err := l.ws.ReadMessage()
	return data, err
}

// Ping sends a websocket ping control frame.
func (l *Link) Ping() error {
	return l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// KeepAlive makes reads fail unless a pong arrives within wait of the last
// one. Call before the read loop starts.
func (l *Link) KeepAlive(wait time.Duration) {
	_ = l.ws.SetReadDeadline(time.Now().Add(wait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(wait))
	})
}

// Close sends a normal close frame and closes the socket.
func (l *Link) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return l.ws.Close()
}
