// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, persistence across reopen and message ordering

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.CreateSession(ctx, &Session{ID: "s1", ChannelID: "c1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.SaveMessage(ctx, "s1", &Message{Type: "event", Data: json.RawMessage(`{"type":"event"}`)}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	session, err := reopened.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(session.History) != 1 {
		t.Errorf("expected 1 message after reopen, got %d", len(session.History))
	}
}

func TestSQLiteStore_MessageOrdering(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateSession(ctx, &Session{ID: "s1", ChannelID: "c1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Order comes from the autoincrement id, not timestamps.
	for i := range 20 {
		data := json.RawMessage(fmt.Sprintf(`{"type":"response","id":"r%d"}`, i))
		if err := store.SaveMessage(ctx, "s1", &Message{Type: "response", Data: data}); err != nil {
			t.Fatalf("SaveMessage %d failed: %v", i, err)
		}
	}

	msgs, err := store.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf(`{"type":"response","id":"r%d"}`, i)
		if string(msg.Data) != want {
			t.Errorf("message %d = %s, want %s", i, msg.Data, want)
		}
	}
}
