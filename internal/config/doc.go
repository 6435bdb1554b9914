// Package config handles configuration loading for coven-panel.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_PANEL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/panel.yaml
//  3. ~/.config/coven/panel.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_PANEL_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	daemons:
//	  sweep_interval: "60s"
//	  sweep_jitter: "5s"
//	  request_timeout: "6s"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:23333"
//	database:
//	  path: "~/.local/share/coven/panel.db"
//	daemons:
//	  sweep_interval: "1m"
//	  fail_pending_on_teardown: false
//	  local_fallback_key: "${DAEMON_KEY}"
//	logging:
//	  level: info
//	  format: text
package config
