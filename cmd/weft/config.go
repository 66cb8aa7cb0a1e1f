package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
)

// Config holds all weft server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	AdminPort int    `json:"admin_port" env:"WEFT_ADMIN_PORT"`
	DBPath    string `json:"db_path" env:"WEFT_DB_PATH"`
	LogLevel  string `json:"log_level" env:"WEFT_LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"WEFT_LOG_FORMAT"` // text | json

	FleetSize    int `json:"fleet_size" env:"WEFT_FLEET_SIZE"`
	LeaseTTLSec  int `json:"lease_ttl_seconds" env:"WEFT_LEASE_TTL_SECONDS"`
	SweepSec     int `json:"sweep_seconds" env:"WEFT_SWEEP_SECONDS"`
	WorkspaceDir string `json:"workspace_dir" env:"WEFT_WORKSPACE_DIR"`

	// Redis notification transport. Empty keeps the in-process bus.
	RedisAddr   string `json:"redis_addr" env:"WEFT_REDIS_ADDR"`
	RedisStream string `json:"redis_stream" env:"WEFT_REDIS_STREAM"`

	// MinIO artifact offload. Empty disables artifact storage.
	ArtifactsEndpoint  string `json:"artifacts_endpoint" env:"WEFT_ARTIFACTS_ENDPOINT"`
	ArtifactsAccessKey string `json:"artifacts_access_key" env:"WEFT_ARTIFACTS_ACCESS_KEY"`
	ArtifactsSecretKey string `json:"-" env:"WEFT_ARTIFACTS_SECRET_KEY"`
	ArtifactsBucket    string `json:"artifacts_bucket" env:"WEFT_ARTIFACTS_BUCKET"`

	// Anthropic reasoning collaborator. Empty key keeps the scripted engine.
	AnthropicAPIKey string `json:"-" env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `json:"anthropic_model" env:"WEFT_ANTHROPIC_MODEL"`

	// Vault key derivation. Empty passphrase disables the secret vault.
	VaultPassphrase string `json:"-" env:"WEFT_VAULT_PASSPHRASE"`
	VaultSalt       string `json:"-" env:"WEFT_VAULT_SALT"`

	SchedulerEnabled bool `json:"scheduler_enabled" env:"WEFT_SCHEDULER_ENABLED"`
}

func defaultConfig() Config {
	return Config{
		AdminPort:        4200,
		DBPath:           filepath.Join(weftDir(), "weft.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		FleetSize:        4,
		LeaseTTLSec:      30,
		SweepSec:         10,
		WorkspaceDir:     filepath.Join(weftDir(), "workspace"),
		RedisStream:      "weft:nudges",
		SchedulerEnabled: true,
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
