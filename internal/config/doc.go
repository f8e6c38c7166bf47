// Package config provides configuration loading and validation for the capture relay.
// It reads YAML with ${VAR} expansion from the environment and an optional .env file,
// then validates struct tags and per-section rules.
package config
