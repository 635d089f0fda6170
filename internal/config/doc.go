// Package config handles configuration loading for coven-dispatch.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, documented defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from DISPATCH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/dispatch.yaml
//  4. ~/.config/coven/dispatch.yaml
//
// `coven-dispatch init` writes Template to the default location.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${DISPATCH_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("300ms", "2s", "10m").
// Each is kept as a raw string field and parsed after decoding.
//
// # Drivers
//
// database.driver selects sqlite (default), postgres or none. queue.driver
// selects none (default, jobs run in-process), memory, sqs or nats.
// Nothing is inferred from the environment: an unset driver means the default.
//
// # Hot Reload
//
// Watcher reloads the file after writes, debounced by 500ms. Only
// auth.token is applied live; other fields take effect on restart.
package config
