// ABOUTME: HTTP read API over the relay's sessions and live connections
// ABOUTME: GET /api/sessions/{id}, /api/sessions/{id}/messages and /api/connections

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// MessageResponse is one history entry. Envelope is the stored frame as-is.
type MessageResponse struct {
	Type      string          `json:"type"`
	Envelope  json.RawMessage `json:"envelope"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// SessionMessagesResponse is the JSON response for GET /api/sessions/{id}/messages.
type SessionMessagesResponse struct {
	SessionID string            `json:"sessionId"`
	Messages  []MessageResponse `json:"messages"`
}

// SessionResponse is the JSON response for GET /api/sessions/{id}.
type SessionResponse struct {
	ID        string            `json:"id"`
	ChannelID string            `json:"channelId"`
	UserID    string            `json:"userId"`
	CreatedAt string            `json:"createdAt,omitempty"`
	Messages  []MessageResponse `json:"messages"`
}

// ConnectionsResponse is the JSON response for GET /api/connections.
type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("encoding response failed", "error", err)
	}
}

// handleSessions dispatches GET /api/sessions/{id} and
// GET /api/sessions/{id}/messages.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, tail, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	switch tail {
	case "":
		g.handleGetSession(w, r, sessionID)
	case "messages":
		g.handleSessionMessages(w, r, sessionID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := g.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, SessionResponse{
		ID:        session.ID,
		ChannelID: session.ChannelID,
		UserID:    session.UserID,
		CreatedAt: formatTime(session.CreatedAt),
		Messages:  toMessageResponses(session.History),
	})
}

// handleSessionMessages returns the history, optionally only the last
// ?limit=N entries (max 1000). Unknown sessions yield an empty list.
func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 1000)
	}

	messages, err := g.store.GetMessages(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to get messages", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	g.sendJSON(w, SessionMessagesResponse{
		SessionID: sessionID,
		Messages:  toMessageResponses(messages),
	})
}

// handleConnections lists the relay's live connections.
func (g *Gateway) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, ConnectionsResponse{Connections: g.router.Connections()})
}

func toMessageResponses(messages []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(messages))
	for i, msg := range messages {
		out[i] = MessageResponse{
			Type:      msg.Type,
			Envelope:  msg.Data,
			CreatedAt: formatTime(msg.CreatedAt),
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
