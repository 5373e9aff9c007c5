package config

import (
	"fmt"
	"os"
	"time"

	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// ServerConfig holds the daemon-level settings for stepscand: where the
// shared store lives, where data files are written, and how fast the command
// queue is polled.
type ServerConfig struct {
	// StoreBackend selects "memory" or "postgres".
	StoreBackend string `yaml:"store_backend,omitempty"`
	// DatabaseURL is the Postgres connection string, required when
	// StoreBackend is "postgres".
	DatabaseURL string `yaml:"database_url,omitempty"`
	// DataDir is the directory data files are written into.
	DataDir string `yaml:"data_dir,omitempty"`
	// PollInterval is how often the command queue and control flags are
	// checked, as a Go duration string.
	PollInterval string `yaml:"poll_interval,omitempty"`
	// HeartbeatInterval is how often the daemon refreshes its heartbeat
	// timestamp in the store.
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
}

// DefaultServerConfig returns a config suitable for a single-host setup.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		StoreBackend:      "memory",
		DataDir:           ".",
		PollInterval:      "250ms",
		HeartbeatInterval: "15s",
	}
}

// LoadServerConfigFromFile reads and validates a server config YAML file.
// Missing fields keep their defaults.
func LoadServerConfigFromFile(filePath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if filePath == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, scanerrors.NewConfigError(fmt.Sprintf("failed to read server config file '%s'", filePath), err)
	}
	if err := yamlUnmarshalStrict(raw, &cfg); err != nil {
		return cfg, scanerrors.NewConfigError(fmt.Sprintf("failed to parse server config file '%s'", filePath), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency of the server config.
func (c ServerConfig) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return scanerrors.NewConfigError("'database_url' is required when store_backend is 'postgres'", nil)
		}
	default:
		return scanerrors.NewConfigError(fmt.Sprintf("unknown store_backend '%s' (expected 'memory' or 'postgres')", c.StoreBackend), nil)
	}
	if _, err := time.ParseDuration(c.PollInterval); err != nil {
		return scanerrors.NewConfigError(fmt.Sprintf("invalid 'poll_interval': %v", err), nil)
	}
	if _, err := time.ParseDuration(c.HeartbeatInterval); err != nil {
		return scanerrors.NewConfigError(fmt.Sprintf("invalid 'heartbeat_interval': %v", err), nil)
	}
	return nil
}

// GetPollInterval returns the parsed poll interval.
func (c ServerConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// GetHeartbeatInterval returns the parsed heartbeat interval.
func (c ServerConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
