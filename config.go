package whisperlink

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// FileConfig is the on-disk client configuration consumed by the CLI.
type FileConfig struct {
	UserID     string `yaml:"user_id"`
	RelayURL   string `yaml:"relay_url"`
	StorePath  string `yaml:"store_path"`
	BackupPath string `yaml:"backup_path"`

	// Transport tuning; zero values use the built-in defaults.
	ReconnectBaseDelayMS int `yaml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int `yaml:"reconnect_max_delay_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalS   int `yaml:"heartbeat_interval_s"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.UserID == "" {
		return nil, fmt.Errorf("config %s: user_id is required", path)
	}
	if config.RelayURL == "" {
		return nil, fmt.Errorf("config %s: relay_url is required", path)
	}
	if config.StorePath == "" {
		return nil, fmt.Errorf("config %s: store_path is required", path)
	}

	return &config, nil
}
