// ABOUTME: Interactive channel peer for exercising a relay and executor by hand
// ABOUTME: Sends stdin lines as events, prints streamed responses, answers tool calls

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/executor"
	"github.com/2389/coven-relay/internal/protocol"
)

func main() {
	url := flag.String("url", envOr("GATEWAY_URL", "ws://localhost:18789"), "relay websocket URL")
	token := flag.String("token", os.Getenv("GATEWAY_TOKEN"), "shared secret or signed channel token")
	session := flag.String("session", "", "session id (default: random)")
	channelID := flag.String("channel", "mock-channel", "channel id sent with events")
	userID := flag.String("user", "mock-user", "user id sent with events")
	flag.Parse()

	if *session == "" {
		*session = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *url, *token, *session, *channelID, *userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, url, token, sessionID, channelID, userID string) error {
	link, err := executor.Connect(ctx, url, token, protocol.RoleChannel, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer link.Close()
	context.AfterFunc(ctx, func() { _ = link.Close() })

	gray := color.New(color.FgHiBlack)
	gray.Printf("connected to %s as channel, session %s\n", url, sessionID)
	gray.Println("type a message and press enter; tool calls are answered with a canned result")

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(link, sessionID) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			ev := protocol.NewEvent(uuid.NewString(), sessionID, channelID, userID, line)
			if err := link.Send(ev); err != nil {
				return fmt.Errorf("sending event: %w", err)
			}
		}
	}
}

func readLoop(link *executor.Link, sessionID string) error {
	agentColor := color.New(color.FgCyan)
	toolColor := color.New(color.FgYellow)
	errColor := color.New(color.FgRed)

	for {
		data, err := link.Read()
		if err != nil {
			return fmt.Errorf("relay connection closed: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			errColor.Printf("undecodable frame: %v\n", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Response:
			// Fragments carry the accumulated text, so redraw the line.
			fmt.Print("\r\033[K")
			agentColor.Print("agent> ")
			fmt.Print(m.Text)
			if m.Done {
				fmt.Println()
			}
		case *protocol.ToolCall:
			args, _ := json.Marshal(m.Args)
			toolColor.Printf("tool %s(%s)\n", m.ToolName, args)
			result := fmt.Sprintf("mock result for %s", m.ToolName)
			if err := link.Send(protocol.NewToolResult(m.ID, m.SessionID, result, "")); err != nil {
				return fmt.Errorf("sending tool result: %w", err)
			}
		case *protocol.Error:
			errColor.Printf("error: %s\n", m.Message)
		}
	}
}
