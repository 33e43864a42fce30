// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml)
// with environment variable expansion, defaults, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  agent_addr: "0.0.0.0:8080"   # WebSocket listener for agents
//	  http_addr: "0.0.0.0:3010"    # command ingress and API
//
//	database:
//	  path: "~/.local/share/relay/gateway.db"
//
//	agents:
//	  ping_interval: "30s"
//	  pong_timeout: "60s"
//	  write_timeout: "10s"
//	  max_message_bytes: 65536
//	  allowed_origins: []
//
//	commands:
//	  dedupe_ttl: "5m"
//	  dedupe_max_entries: 100000
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load() rejects a config when:
//
//   - a listener address is missing and Tailscale is disabled
//   - Tailscale is enabled without a hostname
//   - database.path is empty
//   - agents.ping_interval is not shorter than agents.pong_timeout
package config
