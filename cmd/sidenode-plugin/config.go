package main

import (
	"fmt"
	"os"

	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/supervisor"
)

// Config holds the runner's settings, loaded from the environment the docker
// launcher gives each container.
type Config struct {
	// InstanceName is the node instance identifier (from SIDENODE_INSTANCE_NAME)
	InstanceName string

	// PluginName is the registry name the supervisor addresses (from SIDENODE_PLUGIN_NAME)
	PluginName string

	// PluginKind selects the implementation (from SIDENODE_PLUGIN_KIND).
	// Defaults to PluginName.
	PluginKind string

	// RedisURL is the Redis connection string (from REDIS_URL)
	RedisURL string
}

// LoadConfig reads and validates configuration from environment variables.
func LoadConfig(registry plugin.Registry) (*Config, error) {
	cfg := &Config{
		InstanceName: os.Getenv(supervisor.EnvInstanceName),
		PluginName:   os.Getenv(supervisor.EnvPluginName),
		PluginKind:   os.Getenv(supervisor.EnvPluginKind),
		RedisURL:     os.Getenv(supervisor.EnvRedisURL),
	}
	if cfg.PluginKind == "" {
		cfg.PluginKind = cfg.PluginName
	}

	if err := cfg.Validate(registry); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns the first missing or unknown setting.
func (c *Config) Validate(registry plugin.Registry) error {
	if c.InstanceName == "" {
		return fmt.Errorf("%s environment variable is required", supervisor.EnvInstanceName)
	}
	if c.PluginName == "" {
		return fmt.Errorf("%s environment variable is required", supervisor.EnvPluginName)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("%s environment variable is required", supervisor.EnvRedisURL)
	}
	if _, ok := registry[c.PluginKind]; !ok {
		return fmt.Errorf("unknown plugin kind %q (available: %v)", c.PluginKind, registry.Kinds())
	}
	return nil
}
