// Package config handles configuration loading for hearth-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation, sensible defaults, and a
// stable fingerprint of the effective config.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  secret: "${HEARTH_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	limits:
//	  handshake_timeout: "10s"
//	  slow_consumer_grace: "2s"
//	  idle_timeout: "5m"
//	auth:
//	  pairing_expiry: "2m"
//
// # Client Profiles
//
// Permission sets are resolved from a separate TOML profiles file:
//
//	[profiles.operator]
//	token = "..."
//	permissions = ["sessions.read", "sessions.write", "chat", "admin"]
//
// # Reconfiguration
//
// A config.Watcher collaborator delivers new configs at runtime. The
// gateway validates and applies them as a new epoch, or rejects them with
// reasons; see gateway.Reconfigure.
package config
