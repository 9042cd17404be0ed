// Package config loads huddle-gateway configuration.
//
// # File Format
//
// Load reads YAML by default and TOML when the path ends in .toml. Before
// parsing, ${VAR} references are replaced with environment values (unset
// variables become empty strings). Durations are written as Go duration
// strings ("30s", "5m").
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"   # sqlite, sqlite3 (cgo), badger, memory
//	  path: "./data/huddle.db"
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	sessions:
//	  ttl: "5m"
//	  sweep_interval: "1m"
//
//	transport:
//	  queue_size: 64
//	  overflow: "drop_oldest"   # or disconnect
//
//	handshake:
//	  policy: "per_message"     # or once
//	  timeout: "10s"
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	bots:
//	  shouter:
//	    internal:
//	      kind: "uppercase-echo"
//	  remote:
//	    external:
//	      endpoint: "http://localhost:9000/handshake"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Environment Overrides
//
// After parsing, HUDDLE_HTTP_ADDR, HUDDLE_DB_DRIVER, HUDDLE_DB_PATH,
// HUDDLE_JWT_SECRET, HUDDLE_SESSION_TTL, HUDDLE_HANDSHAKE_POLICY,
// HUDDLE_LOG_LEVEL, HUDDLE_LOG_FORMAT and HUDDLE_TAILSCALE_AUTH_KEY replace
// the corresponding file values when set.
//
// # Validation
//
// Load fills defaults and then rejects unknown drivers, policies and log
// formats, a missing or short jwt_secret (32 bytes minimum), and bot entries
// that are not exactly one of internal or external.
package config
