// Package config loads and validates the chatrelay YAML configuration.
package config
