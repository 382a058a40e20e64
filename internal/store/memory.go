// ABOUTME: In-memory Store implementation backed by maps
// ABOUTME: Used for tests and single-process deployments; contents are lost on restart

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	messages map[string][]*Message // keyed by session ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// CreateSession stores a new session. Existing sessions are kept as is.
func (m *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return nil
	}

	s := *session
	s.History = nil
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session and its history by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *s
	result.History = m.copyHistory(id)
	return &result, nil
}

// SaveMessage appends a message to a known session.
func (m *MemoryStore) SaveMessage(ctx context.Context, sessionID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil
	}

	c := copyMessage(msg)
	c.SessionID = sessionID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.messages[sessionID] = append(m.messages[sessionID], c)
	return nil
}

// GetMessages returns a copy of the session's history in append order.
func (m *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.copyHistory(sessionID), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// copyHistory must be called with mu held.
func (m *MemoryStore) copyHistory(sessionID string) []*Message {
	msgs := m.messages[sessionID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, copyMessage(msg))
	}
	return result
}
