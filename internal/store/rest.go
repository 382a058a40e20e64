// ABOUTME: Remote Store implementation over a PostgREST-style data API (e.g. Supabase)
// ABOUTME: Write failures are returned to the caller; read failures degrade to empty results

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPError is returned when the data API answers a write with a non-2xx status.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// RESTOptions configures a RESTStore.
type RESTOptions struct {
	BaseURL string // project URL, e.g. https://xyz.supabase.co
	Key     string // sent as apikey and bearer token
	Timeout time.Duration
	Client  *http.Client // optional; defaults to a client with Timeout
	Logger  *slog.Logger
}

// RESTStore implements Store against the sessions and messages collections
// of a PostgREST endpoint.
type RESTStore struct {
	base   string
	key    string
	client *http.Client
	logger *slog.Logger
}

// NewRESTStore creates a store that talks to opts.BaseURL.
func NewRESTStore(opts RESTOptions) (*RESTStore, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("rest store: base URL is required")
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("rest store: key is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("rest store: parsing base URL: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RESTStore{
		base:   strings.TrimSuffix(opts.BaseURL, "/") + "/rest/v1",
		key:    opts.Key,
		client: client,
		logger: logger.With("component", "store", "backend", "rest"),
	}, nil
}

type sessionRow struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	UserID    string     `json:"user_id"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type messageRow struct {
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// CreateSession inserts the session row, ignoring duplicates.
func (r *RESTStore) CreateSession(ctx context.Context, session *Session) error {
	row := sessionRow{ID: session.ID, ChannelID: session.ChannelID, UserID: session.UserID}
	status, body, err := r.post(ctx, "sessions", row, "resolution=ignore-duplicates,return=minimal")
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	// Servers that do not honour ignore-duplicates report the conflict instead.
	if status == http.StatusConflict {
		r.logger.Debug("session already exists", "session_id", session.ID)
		return nil
	}
	if status/100 != 2 {
		return &HTTPError{Op: "creating session", StatusCode: status, Body: body}
	}
	return nil
}

// GetSession returns the session and its history. Transport and decoding
// failures are logged and reported as ErrNotFound.
func (r *RESTStore) GetSession(ctx context.Context, id string) (*Session, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "*")

	var rows []sessionRow
	if err := r.get(ctx, "sessions", q, &rows); err != nil {
		r.logger.Warn("fetching session failed", "session_id", id, "error", err)
		return nil, ErrNotFound
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	session := &Session{ID: rows[0].ID, ChannelID: rows[0].ChannelID, UserID: rows[0].UserID}
	if rows[0].CreatedAt != nil {
		session.CreatedAt = *rows[0].CreatedAt
	}
	session.History, _ = r.GetMessages(ctx, id)
	return session, nil
}

// SaveMessage inserts the message row. A foreign key conflict means the
// session is unknown and the message is skipped.
func (r *RESTStore) SaveMessage(ctx context.Context, sessionID string, msg *Message) error {
	data := msg.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	row := messageRow{SessionID: sessionID, Type: msg.Type, Data: data}

	status, body, err := r.post(ctx, "messages", row, "return=minimal")
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	if status == http.StatusConflict {
		r.logger.Debug("skipped message for unknown session", "session_id", sessionID, "type", msg.Type)
		return nil
	}
	if status/100 != 2 {
		return &HTTPError{Op: "saving message", StatusCode: status, Body: body}
	}
	return nil
}

// GetMessages returns the ordered history. Failures are logged and yield an
// empty slice.
func (r *RESTStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	q := url.Values{}
	q.Set("session_id", "eq."+sessionID)
	q.Set("select", "data,type,created_at")
	q.Set("order", "id.asc")

	var rows []messageRow
	if err := r.get(ctx, "messages", q, &rows); err != nil {
		r.logger.Warn("fetching messages failed", "session_id", sessionID, "error", err)
		return []*Message{}, nil
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		msg := &Message{SessionID: sessionID, Type: row.Type, Data: row.Data}
		if row.CreatedAt != nil {
			msg.CreatedAt = *row.CreatedAt
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Close releases idle connections.
func (r *RESTStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RESTStore) newRequest(ctx context.Context, method, table string, q url.Values, body io.Reader) (*http.Request, error) {
	u := r.base + "/" + table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", r.key)
	req.Header.Set("Authorization", "Bearer "+r.key)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (r *RESTStore) post(ctx context.Context, table string, payload any, prefer string) (int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("encoding %s row: %w", table, err)
	}
	req, err := r.newRequest(ctx, http.MethodPost, table, nil, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Prefer", prefer)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

func (r *RESTStore) get(ctx context.Context, table string, q url.Values, out any) error {
	req, err := r.newRequest(ctx, http.MethodGet, table, q, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Op: "querying " + table, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", table, err)
	}
	return nil
}
