// ABOUTME: Anthropic agent streaming replies from the Messages API
// ABOUTME: Keeps a conversation per session and pauses turns on tool_use blocks

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-relay/internal/config"
)

// Anthropic drives Claude through the streaming Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	tools     []anthropic.ToolUnionParam
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*conversation
}

// conversation is one session's message history plus the tool calls its
// current turn is waiting on.
type conversation struct {
	mu       sync.Mutex
	messages []anthropic.MessageParam
	pending  []string
	results  map[string]ToolOutcome
}

// NewAnthropic creates an Anthropic agent. opts are appended to the client
// options derived from cfg.
func NewAnthropic(cfg config.AgentConfig, logger *slog.Logger, opts ...option.RequestOption) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		client:    anthropic.NewClient(clientOpts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
		system:    cfg.SystemPrompt,
		tools:     translateTools(cfg.Tools),
		logger:    logger.With("component", "agent", "provider", "anthropic"),
		sessions:  make(map[string]*conversation),
	}
}

func translateTools(tools []config.ToolConfig) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.InputSchema["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func (a *Anthropic) conversation(sessionID string) *conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.sessions[sessionID]
	if !ok {
		c = &conversation{}
		a.sessions[sessionID] = c
	}
	return c
}

// Prompt appends the user turn to the session's history and runs the model.
func (a *Anthropic) Prompt(ctx context.Context, turn Turn, emit Emit) error {
	c := a.conversation(turn.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		// A new prompt abandons calls nobody answered; the API rejects a
		// tool_use without its result, so answer them as failed.
		c.messages = append(c.messages, anthropic.NewUserMessage(c.resultBlocks("tool call abandoned")...))
		c.pending, c.results = nil, nil
		a.logger.Warn("abandoned pending tool calls", "session_id", turn.SessionID)
	}

	c.messages = append(c.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Prompt())))
	return a.run(ctx, turn.SessionID, c, emit)
}

// Continue records a tool outcome and resumes once every pending call of
// the turn has been answered.
func (a *Anthropic) Continue(ctx context.Context, outcome ToolOutcome, emit Emit) error {
	c := a.conversation(outcome.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isPending(outcome.CallID) {
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, outcome.CallID)
	}
	c.results[outcome.CallID] = outcome
	if len(c.results) < len(c.pending) {
		return nil
	}

	c.messages = append(c.messages, anthropic.NewUserMessage(c.resultBlocks("")...))
	c.pending, c.results = nil, nil
	return a.run(ctx, outcome.SessionID, c, emit)
}

func (c *conversation) isPending(callID string) bool {
	for _, id := range c.pending {
		if id == callID {
			return true
		}
	}
	return false
}

// resultBlocks builds tool_result blocks for every pending call in order.
// Calls without a recorded outcome get missing as their error.
func (c *conversation) resultBlocks(missing string) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(c.pending))
	for _, id := range c.pending {
		out, ok := c.results[id]
		switch {
		case !ok:
			blocks = append(blocks, anthropic.NewToolResultBlock(id, missing, true))
		case out.Error != "":
			blocks = append(blocks, anthropic.NewToolResultBlock(id, out.Error, true))
		default:
			blocks = append(blocks, anthropic.NewToolResultBlock(id, out.Result, false))
		}
	}
	return blocks
}

// run streams one assistant message. Caller holds c.mu.
func (a *Anthropic) run(ctx context.Context, sessionID string, c *conversation, emit Emit) error {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  c.messages,
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}
	if len(a.tools) > 0 {
		params.Tools = a.tools
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return fmt.Errorf("accumulating stream event: %w", err)
		}
		if e, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if td := e.Delta.AsTextDelta(); td.Text != "" {
				emit(Event{Kind: KindMessageUpdate, Content: textBlocks(&msg)})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("streaming message: %w", err)
	}

	c.messages = append(c.messages, msg.ToParam())
	emit(Event{Kind: KindMessageEnd, Content: textBlocks(&msg)})

	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		args := map[string]any{}
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				a.logger.Warn("undecodable tool input", "tool", block.Name, "error", err)
				args = map[string]any{"raw": string(block.Input)}
			}
		}
		c.pending = append(c.pending, block.ID)
		emit(Event{Kind: KindToolCall, ToolCallID: block.ID, ToolName: block.Name, Args: args})
	}

	if len(c.pending) > 0 {
		c.results = make(map[string]ToolOutcome, len(c.pending))
		a.logger.Debug("turn paused on tool calls", "session_id", sessionID, "calls", len(c.pending))
		return nil
	}

	a.logger.Debug("turn complete", "session_id", sessionID, "stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)
	emit(Event{Kind: KindTurnEnd})
	return nil
}

func textBlocks(msg *anthropic.Message) []string {
	var blocks []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			blocks = append(blocks, block.Text)
		}
	}
	return blocks
}
