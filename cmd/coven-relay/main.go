// ABOUTME: Entry point for coven-relay: the relay server, the node executor and helpers
// ABOUTME: Dispatches subcommands and loads configuration from file or environment

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/executor"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __       _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ ____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|    |_|  \___|_|\__,_|\__, |
                                                |___/
`

// getConfigPath returns the config file to load, or "" to configure from
// the environment alone.
// Priority: COVEN_RELAY_CONFIG > ./config.yaml > XDG_CONFIG_HOME/coven-relay/config.yaml > ~/.config/coven-relay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{"config.yaml"}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configDir = filepath.Join(homeDir, ".config")
		}
	}
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "coven-relay", "config.yaml"))
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfig loads the config file if there is one, else the environment.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if path == "" {
		cfg, err := config.FromEnv()
		return cfg, "(environment)", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the relay (default)")
	fmt.Println("  executor                     Run an agent as a node peer")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  token --role ROLE [--ttl D]  Mint a signed token for a peer")
	fmt.Println("  health                       Check relay health")
	fmt.Println("  history SESSION_ID           Print a session's stored messages")
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "executor":
		err = runExecutor(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "history":
		err = runHistory(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func runServe(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s%s\n", cfg.Server.Addr(), cfg.Server.Path)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s\n", cfg.Storage.Backend)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"storage", cfg.Storage.Backend,
	)

	s, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	gw, err := gateway.New(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runExecutor(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Executor.URL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s", cfg.Agent.Provider)
	if cfg.Agent.Provider == "anthropic" {
		fmt.Printf(" (%s)", cfg.Agent.Model)
	}
	fmt.Println()
	fmt.Println()

	if cfg.Agent.Provider == "anthropic" && cfg.Agent.APIKey == "" {
		return errors.New("agent.api_key is required for the anthropic provider (or set ANTHROPIC_API_KEY)")
	}

	a, err := agent.New(cfg.Agent, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	ex := executor.New(cfg.Executor, a, logger)
	logger.Info("starting executor", "url", cfg.Executor.URL, "agent", cfg.Agent.Provider)
	return ex.Run(ctx)
}
