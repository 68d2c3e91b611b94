// Package config loads the coordinator's ambient runtime configuration
// from the environment. It is distinct from the stage config model
// (internal/stageconfig), which describes the pipeline itself and comes
// from the pipeline configuration file named by PIPELINE_CONFIG_PATH.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds coordinator-level configuration.
type Config struct {
	Node    NodeConfig
	Admin   AdminConfig
	Logging LogConfig
}

// NodeConfig identifies this coordinator within a cluster.
type NodeConfig struct {
	ID string `envconfig:"NODE_ID" default:"node-0"`
}

// AdminConfig holds the operator HTTP API's listen configuration.
type AdminConfig struct {
	Port    string `envconfig:"ADMIN_PORT" default:"9090"`
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration, used when Load fails or for
// tests.
func Default() *Config {
	return &Config{
		Node:    NodeConfig{ID: "node-0"},
		Admin:   AdminConfig{Port: "9090", Enabled: true},
		Logging: LogConfig{Level: "info", Development: false},
	}
}
