// ABOUTME: Tests for the agent factory and the echo agent
// ABOUTME: Checks streamed event order and the tool call round trip

package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
)

// recorder collects emitted events.
type recorder struct {
	events []Event
}

func (r *recorder) emit(e Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []EventKind {
	kinds := make([]EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestEcho() *Echo {
	e := NewEcho()
	e.Delay = 0
	return e
}

func TestNew(t *testing.T) {
	a, err := New(config.AgentConfig{Provider: "echo"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Echo{}, a)

	a, err = New(config.AgentConfig{Provider: "anthropic", APIKey: "k", Model: "claude-sonnet-4-5"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, a)

	_, err = New(config.AgentConfig{Provider: "gpt"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestTurnPrompt(t *testing.T) {
	turn := Turn{Text: "look", Attachments: []protocol.Attachment{{Name: "a.png", URL: "https://x/a.png"}}}
	assert.Equal(t, "look\n[attachment a.png: https://x/a.png]", turn.Prompt())
	assert.Equal(t, "plain", Turn{Text: "plain"}.Prompt())
}

func TestEcho_StreamsWordByWord(t *testing.T) {
	rec := &recorder{}
	err := newTestEcho().Prompt(context.Background(), Turn{SessionID: "s1", Text: "hello agent"}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []EventKind{
		KindMessageUpdate, KindMessageUpdate, KindMessageUpdate, KindMessageEnd, KindTurnEnd,
	}, rec.kinds())
	assert.Equal(t, "Echo:", rec.events[0].Text())
	assert.Equal(t, "Echo: hello", rec.events[1].Text())
	assert.Equal(t, "Echo: hello agent", rec.events[2].Text())
	assert.Equal(t, "Echo: hello agent", rec.events[3].Text())
}

func TestEcho_ToolRoundTrip(t *testing.T) {
	echo := newTestEcho()
	rec := &recorder{}
	err := echo.Prompt(context.Background(), Turn{SessionID: "s1", Text: `/tool search {"q":"go"}`}, rec.emit)
	require.NoError(t, err)

	require.Equal(t, []EventKind{KindMessageUpdate, KindMessageEnd, KindToolCall}, rec.kinds())
	call := rec.events[2]
	assert.Equal(t, "search", call.ToolName)
	assert.Equal(t, map[string]any{"q": "go"}, call.Args)
	require.NotEmpty(t, call.ToolCallID)

	// Another session cannot answer the call.
	err = echo.Continue(context.Background(), ToolOutcome{SessionID: "s2", CallID: call.ToolCallID}, rec.emit)
	assert.ErrorIs(t, err, ErrUnknownToolCall)

	rec = &recorder{}
	err = echo.Continue(context.Background(), ToolOutcome{SessionID: "s1", CallID: call.ToolCallID, Result: "found"}, rec.emit)
	require.NoError(t, err)
	require.NotEmpty(t, rec.events)
	assert.Equal(t, KindTurnEnd, rec.events[len(rec.events)-1].Kind)
	assert.Equal(t, "Tool returned: found", rec.events[len(rec.events)-2].Text())

	// Answered calls are forgotten.
	err = echo.Continue(context.Background(), ToolOutcome{SessionID: "s1", CallID: call.ToolCallID}, rec.emit)
	assert.ErrorIs(t, err, ErrUnknownToolCall)
}

func TestEcho_ToolError(t *testing.T) {
	echo := newTestEcho()
	rec := &recorder{}
	require.NoError(t, echo.Prompt(context.Background(), Turn{SessionID: "s1", Text: "/tool fail"}, rec.emit))
	call := rec.events[2]
	assert.Equal(t, map[string]any{}, call.Args)

	rec = &recorder{}
	require.NoError(t, echo.Continue(context.Background(), ToolOutcome{SessionID: "s1", CallID: call.ToolCallID, Error: "boom"}, rec.emit))
	assert.Equal(t, "Tool failed: boom", rec.events[len(rec.events)-2].Text())
}

func TestEcho_CancelledMidStream(t *testing.T) {
	echo := NewEcho()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	err := echo.Prompt(ctx, Turn{SessionID: "s1", Text: "one two three"}, rec.emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, rec.kinds(), KindTurnEnd)
}

func TestParseToolCommand(t *testing.T) {
	tests := []struct {
		prompt string
		name   string
		args   map[string]any
		ok     bool
	}{
		{"/tool search", "search", map[string]any{}, true},
		{`/tool read {"path":"/tmp"}`, "read", map[string]any{"path": "/tmp"}, true},
		{"/tool run not-json", "run", map[string]any{"input": "not-json"}, true},
		{"/tool ", "", nil, false},
		{"hello", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := parseToolCommand(tt.prompt)
		assert.Equal(t, tt.ok, ok, tt.prompt)
		assert.Equal(t, tt.name, name, tt.prompt)
		assert.Equal(t, tt.args, args, tt.prompt)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
