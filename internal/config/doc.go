// Package config loads the gateway configuration from a JSON (comments
// allowed) or YAML file, fills secrets from the environment and an optional
// .env file, and validates the result once at startup.
package config
