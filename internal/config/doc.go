// Package config loads runtime settings. Values are layered: built-in
// defaults, then an optional YAML file (with ${VAR} expansion), then the
// process environment, which may be seeded from a .env file.
package config
