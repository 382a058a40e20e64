// ABOUTME: Executor keeps a node link to the relay alive and bridges it to an agent
// ABOUTME: Handles auth gating, heartbeats, capped backoff and the event/response mapping

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
)

// State is the executor's link state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Executor runs an agent behind a node connection.
type Executor struct {
	cfg    config.ExecutorConfig
	agent  agent.Agent
	logger *slog.Logger

	// OnStateChange, when set before Run, is called on every transition.
	OnStateChange func(State)

	mu    sync.RWMutex
	state State
}

// job is one inbound envelope waiting for the agent.
type job struct {
	msg protocol.Message
}

// New creates an Executor.
func New(cfg config.ExecutorConfig, a agent.Agent, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ReconnectMultiplier < 1 {
		cfg.ReconnectMultiplier = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		agent:  a,
		logger: logger.With("component", "executor"),
	}
}

// State returns the current link state.
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev == s {
		return
	}
	e.logger.Debug("state changed", "from", prev, "to", s)
	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

// Run connects, serves the link until it drops, and reconnects after a
// backoff. It returns when ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	delay := e.cfg.ReconnectDelay
	for {
		err := e.runOnce(ctx, &delay)
		e.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		e.logger.Warn("relay link lost", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextDelay(delay, e.cfg.ReconnectMultiplier, e.cfg.ReconnectMax)
	}
}

// nextDelay grows cur by mult, capped at limit when limit is positive.
func nextDelay(cur time.Duration, mult float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(cur) * mult)
	if limit > 0 && next > limit {
		next = limit
	}
	return next
}

func (e *Executor) runOnce(ctx context.Context, delay *time.Duration) error {
	e.setState(StateConnecting)
	link, err := Dial(ctx, e.cfg.URL)
	if err != nil {
		return err
	}
	defer link.Close()

	e.setState(StateAuthenticating)
	if err := link.Authenticate(ctx, e.cfg.Token, protocol.RoleNode, e.cfg.AuthTimeout); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	*delay = e.cfg.ReconnectDelay
	e.setState(StateActive)
	e.logger.Info("connected to relay", "url", e.cfg.URL)
	return e.serve(ctx, link)
}

// serve runs the read loop, heartbeat and agent worker for one link.
// In-flight agent work is cancelled when the link drops.
func (e *Executor) serve(ctx context.Context, link *Link) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	if e.cfg.PongTimeout > 0 {
		link.KeepAlive(e.cfg.HeartbeatInterval + e.cfg.PongTimeout)
	}

	var wg sync.WaitGroup
	queue := make(chan job, e.cfg.QueueSize)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := range queue {
			e.handle(ctx, link, j)
		}
	}()

	if e.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.heartbeat(ctx, link)
		}()
	}

	err := e.readLoop(ctx, link, queue)
	cancel()
	close(queue)
	wg.Wait()
	return err
}

func (e *Executor) heartbeat(ctx context.Context, link *Link) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := link.Ping(); err != nil {
				e.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (e *Executor) readLoop(ctx context.Context, link *Link, queue chan<- job) error {
	for {
		data, err := link.Read()
		if err != nil {
			return fmt.Errorf("reading from relay: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			e.logger.Warn("ignoring undecodable frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Event, *protocol.ToolResult:
			select {
			case queue <- job{msg: msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case *protocol.Error:
			e.logger.Warn("relay reported error", "message", m.Message, "session_id", m.SessionID)
		default:
			e.logger.Debug("ignoring envelope", "type", msg.Kind())
		}
	}
}

// handle runs one envelope through the agent and reports failures to the
// relay as error envelopes.
func (e *Executor) handle(ctx context.Context, link *Link, j job) {
	head := j.msg.Head()
	logger := e.logger.With("session_id", head.SessionID, "type", j.msg.Kind(), "id", head.ID)
	emit := e.emitter(link, head.SessionID, logger)

	var err error
	switch m := j.msg.(type) {
	case *protocol.Event:
		logger.Info("prompting agent")
		err = e.agent.Prompt(ctx, agent.Turn{
			SessionID:   m.SessionID,
			EventID:     m.ID,
			Text:        m.Text,
			Attachments: m.Attachments,
		}, emit)
	case *protocol.ToolResult:
		logger.Info("continuing agent with tool result")
		err = e.agent.Continue(ctx, agent.ToolOutcome{
			SessionID: m.SessionID,
			CallID:    m.ID,
			Result:    m.Result,
			Error:     m.Error,
		}, emit)
	}
	if err == nil || ctx.Err() != nil {
		return
	}

	logger.Error("agent failed", "error", err)
	reply := protocol.NewError(head.ID, err.Error())
	reply.SessionID = head.SessionID
	if sendErr := link.Send(reply); sendErr != nil {
		logger.Warn("sending error envelope failed", "error", sendErr)
	}
}

// emitter maps agent events to outbound envelopes for sessionID. Every
// response fragment gets its own id so the relay never treats two
// fragments as duplicates.
func (e *Executor) emitter(link *Link, sessionID string, logger *slog.Logger) agent.Emit {
	return func(ev agent.Event) {
		var msg protocol.Message
		switch ev.Kind {
		case agent.KindMessageUpdate:
			text := ev.Text()
			if text == "" {
				return
			}
			msg = protocol.NewResponse(uuid.NewString(), sessionID, text, false)
		case agent.KindMessageEnd:
			msg = protocol.NewResponse(uuid.NewString(), sessionID, ev.Text(), true)
		case agent.KindToolCall:
			msg = protocol.NewToolCall(ev.ToolCallID, sessionID, ev.ToolName, ev.Args)
		case agent.KindTurnEnd:
			logger.Debug("turn ended")
			return
		default:
			return
		}

		if err := link.Send(msg); err != nil {
			logger.Warn("sending to relay failed", "type", msg.Kind(), "error", err)
		}
	}
}
