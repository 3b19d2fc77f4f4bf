package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level service configuration, loaded from a TOML file.
// The provider API key is deliberately absent from the file and is read
// from the VOLC_API_KEY environment variable instead.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	ASR     ASRConfig     `toml:"asr"`
	Poller  PollerConfig  `toml:"poller"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ReadTimeoutSecs    int      `toml:"read_timeout_secs"`
	WriteTimeoutSecs   int      `toml:"write_timeout_secs"`
}

// StorageConfig holds SQLite settings
type StorageConfig struct {
	Path string `toml:"path"`
}

// ASRConfig holds speech-to-text provider settings
type ASRConfig struct {
	BaseURL     string `toml:"base_url"`
	ResourceID  string `toml:"resource_id"`
	UserID      string `toml:"user_id"`
	ModelName   string `toml:"model_name"`
	TimeoutSecs int    `toml:"timeout_secs"`

	// APIKey is populated from the environment, never from the file.
	APIKey string `toml:"-"`
}

// PollerConfig holds background reconciliation settings
type PollerConfig struct {
	Enabled      bool `toml:"enabled"`
	IntervalSecs int  `toml:"interval_secs"`
}

// SyncConfig holds defaults for the synchronous transcription endpoint
type SyncConfig struct {
	MaxRetries        int `toml:"max_retries"`
	RetryIntervalSecs int `toml:"retry_interval_secs"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 300, // sync transcription can hold a connection for minutes
		},
		Storage: StorageConfig{
			Path: "asr_tasks.db",
		},
		ASR: ASRConfig{
			BaseURL:     "https://openspeech.bytedance.com/api/v3/auc/bigmodel",
			ResourceID:  "volc.seedasr.auc",
			UserID:      "doubao_voice",
			ModelName:   "bigmodel",
			TimeoutSecs: 30,
		},
		Poller: PollerConfig{
			Enabled:      true,
			IntervalSecs: 5,
		},
		Sync: SyncConfig{
			MaxRetries:        30,
			RetryIntervalSecs: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration file at path, applying defaults for absent
// values. A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	cfg.ASR.APIKey = os.Getenv("VOLC_API_KEY")
	if cfg.ASR.APIKey == "" {
		return nil, fmt.Errorf("VOLC_API_KEY environment variable is not set")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if c.Poller.IntervalSecs <= 0 {
		return fmt.Errorf("poller interval must be positive, got %d", c.Poller.IntervalSecs)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	return nil
}

// PollInterval returns the poller cadence as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSecs) * time.Second
}

// ASRTimeout returns the provider HTTP timeout as a duration
func (c *Config) ASRTimeout() time.Duration {
	return time.Duration(c.ASR.TimeoutSecs) * time.Second
}
