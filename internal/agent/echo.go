// ABOUTME: Echo agent that streams the prompt back one word at a time
// ABOUTME: Understands "/tool <name> <json>" to drive a tool call round trip

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Echo replies with the prompt it was given. It needs no credentials.
type Echo struct {
	// Delay is the pause between streamed words.
	Delay time.Duration

	mu      sync.Mutex
	pending map[string]string // call id -> session id
}

// NewEcho creates an Echo agent with a short streaming delay.
func NewEcho() *Echo {
	return &Echo{
		Delay:   20 * time.Millisecond,
		pending: make(map[string]string),
	}
}

// Prompt streams "Echo: <prompt>" word by word.
func (e *Echo) Prompt(ctx context.Context, turn Turn, emit Emit) error {
	prompt := turn.Prompt()
	if name, args, ok := parseToolCommand(prompt); ok {
		callID := uuid.NewString()
		e.mu.Lock()
		e.pending[callID] = turn.SessionID
		e.mu.Unlock()

		text := fmt.Sprintf("Calling %s.", name)
		emit(Event{Kind: KindMessageUpdate, Content: []string{text}})
		emit(Event{Kind: KindMessageEnd, Content: []string{text}})
		emit(Event{Kind: KindToolCall, ToolCallID: callID, ToolName: name, Args: args})
		return nil
	}

	if err := e.stream(ctx, "Echo: "+prompt, emit); err != nil {
		return err
	}
	emit(Event{Kind: KindTurnEnd})
	return nil
}

// Continue reports the tool outcome and finishes the turn.
func (e *Echo) Continue(ctx context.Context, outcome ToolOutcome, emit Emit) error {
	e.mu.Lock()
	sessionID, ok := e.pending[outcome.CallID]
	if ok && sessionID == outcome.SessionID {
		delete(e.pending, outcome.CallID)
	}
	e.mu.Unlock()
	if !ok || sessionID != outcome.SessionID {
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, outcome.CallID)
	}

	reply := "Tool returned: " + outcome.Result
	if outcome.Error != "" {
		reply = "Tool failed: " + outcome.Error
	}
	if err := e.stream(ctx, reply, emit); err != nil {
		return err
	}
	emit(Event{Kind: KindTurnEnd})
	return nil
}

func (e *Echo) stream(ctx context.Context, reply string, emit Emit) error {
	words := strings.Fields(reply)
	var sofar strings.Builder
	for i, w := range words {
		if i > 0 {
			sofar.WriteString(" ")
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(e.Delay):
				}
			}
		}
		sofar.WriteString(w)
		emit(Event{Kind: KindMessageUpdate, Content: []string{sofar.String()}})
	}
	emit(Event{Kind: KindMessageEnd, Content: []string{sofar.String()}})
	return nil
}

// parseToolCommand recognizes "/tool <name> [json-object]".
func parseToolCommand(prompt string) (string, map[string]any, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(prompt), "/tool ")
	if !ok {
		return "", nil, false
	}
	name, rawArgs, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		return "", nil, false
	}

	args := map[string]any{}
	if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			args = map[string]any{"input": rawArgs}
		}
	}
	return name, args, true
}
