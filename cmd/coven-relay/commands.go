// ABOUTME: Helper subcommands: init, token, health and history
// ABOUTME: health and history talk to a running relay over its HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/protocol"
)

// apiBase returns the relay's HTTP base URL as seen from this machine.
func apiBase(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func apiGet(ctx context.Context, cfg *config.Config, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase(cfg)+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Auth.SharedSecret)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if err := apiGet(ctx, cfg, "/health", nil); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")

	var conns gateway.ConnectionsResponse
	if err := apiGet(ctx, cfg, "/api/connections", &conns); err != nil {
		return err
	}
	counts := map[protocol.Role]int{}
	for _, c := range conns.Connections {
		if c.Authenticated {
			counts[c.Role]++
		}
	}
	fmt.Printf("  nodes:    %d\n", counts[protocol.RoleNode])
	fmt.Printf("  channels: %d\n", counts[protocol.RoleChannel])
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coven-relay history SESSION_ID")
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var resp gateway.SessionMessagesResponse
	if err := apiGet(ctx, cfg, "/api/sessions/"+url.PathEscape(args[0])+"/messages", &resp); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	typeColor := map[string]*color.Color{
		"event":       color.New(color.FgGreen),
		"response":    color.New(color.FgCyan),
		"tool_call":   color.New(color.FgYellow),
		"tool_result": color.New(color.FgYellow),
		"error":       color.New(color.FgRed),
	}
	for _, m := range resp.Messages {
		stamp := m.CreatedAt
		if ts, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			stamp = ts.Local().Format("15:04:05")
		}
		gray.Printf("%s ", stamp)
		c, ok := typeColor[m.Type]
		if !ok {
			c = color.New(color.Reset)
		}
		c.Printf("%-11s ", m.Type)
		fmt.Println(string(m.Envelope))
	}
	if len(resp.Messages) == 0 {
		fmt.Println("no messages")
	}
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", "node", "peer role: channel or node")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	subject := fs.String("subject", "", "subject recorded in the token (default: ROLE name)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := protocol.Role(*role)
	if !r.Valid() {
		return fmt.Errorf("--role must be channel or node, got %q", *role)
	}
	if *subject == "" {
		*subject = string(r)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Auth.AllowJWT {
		fmt.Fprintln(os.Stderr, color.YellowString("warning: auth.allow_jwt is off; the relay will reject this token"))
	}

	token, err := auth.NewIssuer([]byte(cfg.Auth.SharedSecret)).Issue(*subject, r, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := os.Getenv("COVEN_RELAY_CONFIG")
	if defaultConfigPath == "" {
		defaultConfigPath = "config.yaml"
	}
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	host := prompt(reader, "Listen host", "0.0.0.0")
	port := prompt(reader, "Listen port", "18789")

	fmt.Println("\n--- Auth ---")
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret = prompt(reader, "Shared secret", secret)

	fmt.Println("\n--- Storage ---")
	backend := prompt(reader, "Backend (memory/sqlite/rest)", "sqlite")
	var dbPath, restURL string
	switch backend {
	case config.BackendSQLite:
		dbPath = prompt(reader, "SQLite database path", "./coven-relay.db")
	case config.BackendREST, config.BackendSupabase:
		restURL = prompt(reader, "REST base URL", "")
	}

	fmt.Println("\n--- Agent ---")
	provider := prompt(reader, "Provider (echo/anthropic)", "echo")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	fmt.Fprintf(&cfg, "server:\n  host: %q\n  port: %s\n  path: \"/\"\n\n", host, port)
	fmt.Fprintf(&cfg, "auth:\n  shared_secret: %q\n  allow_jwt: false\n\n", secret)

	fmt.Fprintf(&cfg, "storage:\n  backend: %q\n", backend)
	if dbPath != "" {
		fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	}
	if restURL != "" {
		fmt.Fprintf(&cfg, "  url: %q\n  key: \"${SUPABASE_KEY}\"\n", restURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("executor:\n")
	fmt.Fprintf(&cfg, "  url: \"ws://localhost:%s\"\n", port)
	cfg.WriteString("  reconnect_delay: \"5s\"\n  reconnect_max: \"60s\"\n\n")

	fmt.Fprintf(&cfg, "agent:\n  provider: %q\n", provider)
	if provider == "anthropic" {
		cfg.WriteString("  api_key: \"${ANTHROPIC_API_KEY}\"\n")
	}
	cfg.WriteString("\n")

	fmt.Fprintf(&cfg, "logging:\n  level: %q\n  format: %q\n\n", logLevel, logFormat)
	cfg.WriteString("metrics:\n  enabled: false\n  path: \"/metrics\"\n")

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the relay and an executor:")
	fmt.Printf("  COVEN_RELAY_CONFIG=%s coven-relay serve\n", outputFile)
	fmt.Printf("  COVEN_RELAY_CONFIG=%s coven-relay executor\n", outputFile)
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
