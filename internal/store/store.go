// ABOUTME: Store interface and data types for relay session persistence
// ABOUTME: Defines Session, Message and the capability set every backend implements

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("not found")

// Session is a logical conversation between a channel and a node.
type Session struct {
	ID        string
	ChannelID string
	UserID    string
	History   []*Message // filled by GetSession, ignored by CreateSession
	CreatedAt time.Time
}

// Message is one envelope recorded in a session's history.
type Message struct {
	SessionID string
	Type      string          // envelope type, e.g. "event" or "response"
	Data      json.RawMessage // the envelope exactly as received
	CreatedAt time.Time
}

// Store persists session metadata and message history.
type Store interface {
	// CreateSession records a session. An existing session with the same ID
	// is left untouched and no error is returned.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns the session with its full history, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// SaveMessage appends msg to the session's history. It is a no-op for
	// unknown sessions.
	SaveMessage(ctx context.Context, sessionID string, msg *Message) error

	// GetMessages returns the ordered history, or an empty slice for unknown
	// sessions.
	GetMessages(ctx context.Context, sessionID string) ([]*Message, error)

	Close() error
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Data = append(json.RawMessage(nil), m.Data...)
	return &c
}
