// ABOUTME: Agent capability consumed by the executor: turns in, streamed events out
// ABOUTME: New picks the echo or Anthropic implementation from configuration

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
)

// Agent errors
var (
	// ErrUnknownProvider means agent.provider names no implementation
	ErrUnknownProvider = errors.New("unknown agent provider")

	// ErrUnknownToolCall means a tool outcome arrived for a call the agent
	// is not waiting on
	ErrUnknownToolCall = errors.New("unknown tool call")
)

// EventKind classifies agent progress events.
type EventKind string

const (
	KindMessageUpdate EventKind = "message_update"
	KindMessageEnd    EventKind = "message_end"
	KindToolCall      EventKind = "tool_call"
	KindTurnEnd       EventKind = "turn_end"
)

// Event is one unit of agent progress. Content holds the text blocks of the
// assistant message so far; ToolCallID, ToolName and Args are set on
// tool_call events.
type Event struct {
	Kind       EventKind
	Content    []string
	ToolCallID string
	ToolName   string
	Args       map[string]any
}

// Text joins the event's text blocks.
func (e Event) Text() string {
	return strings.Join(e.Content, "")
}

// Emit receives events as the agent produces them.
type Emit func(Event)

// Turn is a user prompt for one session.
type Turn struct {
	SessionID   string
	EventID     string
	Text        string
	Attachments []protocol.Attachment
}

// Prompt renders the turn as plain text, listing attachments after the text.
func (t Turn) Prompt() string {
	if len(t.Attachments) == 0 {
		return t.Text
	}
	var b strings.Builder
	b.WriteString(t.Text)
	for _, a := range t.Attachments {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[attachment %s: %s]", a.Name, a.URL)
	}
	return b.String()
}

// ToolOutcome answers a tool call previously emitted for SessionID.
type ToolOutcome struct {
	SessionID string
	CallID    string
	Result    string
	Error     string
}

// Agent produces replies for user turns.
type Agent interface {
	// Prompt starts a turn and returns once it completes or pauses on tool calls.
	Prompt(ctx context.Context, turn Turn, emit Emit) error

	// Continue delivers a tool outcome and resumes the paused turn when
	// every outstanding call is answered.
	Continue(ctx context.Context, outcome ToolOutcome, emit Emit) error
}

// New builds the agent named by cfg.Provider.
func New(cfg config.AgentConfig, logger *slog.Logger) (Agent, error) {
	switch cfg.Provider {
	case "", "echo":
		return NewEcho(), nil
	case "anthropic":
		return NewAnthropic(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
