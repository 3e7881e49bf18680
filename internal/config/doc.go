// Package config loads the AVA runtime configuration from YAML or JSON files,
// expanding ${VAR} references from the environment before decoding.
package config
