// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration starts from Default, is overlaid with a YAML or TOML file,
// then with environment overrides, and is finally validated.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path from the COVEN_RELAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/coven-relay/config.yaml
//
// With no file the process runs from Default plus the environment.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  shared_secret: "${GATEWAY_TOKEN}"
//
// # Environment Overrides
//
//	GATEWAY_PORT         server.port (default 18789)
//	GATEWAY_HOST         server.host
//	GATEWAY_TOKEN        auth.shared_secret and executor.token
//	GATEWAY_URL          executor.url (default ws://localhost:18789)
//	STORAGE_BACKEND      storage.backend (memory, sqlite, rest, supabase)
//	SUPABASE_URL         storage.url; with SUPABASE_KEY selects rest
//	SUPABASE_KEY         storage.key
//	COVEN_RELAY_DB_PATH  storage.path
//	ANTHROPIC_API_KEY    agent.api_key when unset in the file
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	executor:
//	  heartbeat_interval: "30s"
//	  reconnect_delay: "5s"
package config
