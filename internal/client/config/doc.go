// Package config loads runtime configuration for the petsync CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file named by --config. Files ending in .yaml or .yml
//     are YAML; anything else is JSON, where comments are allowed.
//  3. Command-line flags set explicitly, which override earlier values.
//
// Durations in files are strings like "500ms" or integer nanoseconds:
//
//	server_addr: 127.0.0.1:50051
//	user_id: alice
//	debounce: 500ms
//	conflict_granularity: field
package config
