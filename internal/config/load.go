package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses the configuration from a YAML file, applies
// defaults and environment overrides, and validates the result.
func LoadFile(path string) (*Config, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := decoder.Decode(rawConfig); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAbortOnPairFailure
	}
	if cfg.Window.Duration == 0 {
		cfg.Window.Duration = 2 * time.Hour
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = defaultJournalPath()
	}
	if cfg.MigrationConcurrency == 0 {
		cfg.MigrationConcurrency = 2
	}
	if cfg.Storage.CephFlag == "" {
		cfg.Storage.CephFlag = "noout"
	}
	for i := range cfg.Pairs {
		if cfg.Pairs[i].RebootMode == "" {
			cfg.Pairs[i].RebootMode = RebootModeReboot
		}
	}
	for i := range cfg.Storage.AppFlags {
		if cfg.Storage.AppFlags[i].User == "" {
			cfg.Storage.AppFlags[i].User = "root"
		}
	}
}

// applyEnv resolves secrets from the environment so credentials can be kept
// out of the config file (AWX passes them as job environment).
func applyEnv(cfg *Config) {
	if v := os.Getenv("PROXMOX_TOKEN_ID"); v != "" && cfg.Proxmox.TokenID == "" {
		cfg.Proxmox.TokenID = v
	}
	if v := os.Getenv("PROXMOX_TOKEN_SECRET"); v != "" && cfg.Proxmox.TokenSecret == "" {
		cfg.Proxmox.TokenSecret = v
	}
	if cfg.Archive != nil {
		if v := os.Getenv("ARCHIVE_ACCESS_KEY"); v != "" && cfg.Archive.AccessKey == "" {
			cfg.Archive.AccessKey = v
		}
		if v := os.Getenv("ARCHIVE_SECRET_KEY"); v != "" && cfg.Archive.SecretKey == "" {
			cfg.Archive.SecretKey = v
		}
	}
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rollmaint.db"
	}
	return home + "/.rollmaint/journal.db"
}
