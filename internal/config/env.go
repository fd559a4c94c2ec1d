package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds configuration parsed from environment variables, applied
// on top of file config (spec §4.2: MODELSCOPE_API_TOKEN env fallback).
type EnvConfig struct {
	ModelScopeAPIToken string `env:"MODELSCOPE_API_TOKEN"`

	ConfigPath string `env:"XZGATEWAY_CONFIG" envDefault:"config.json"`
	LogLevel   string `env:"XZGATEWAY_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv parses environment variables into EnvConfig.
func LoadEnv() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("parsing env config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty EnvConfig fields onto cfg, honoring the
// ModelScope bearer-token precedence rule from spec §4.2 (config wins over
// env; env is the last-resort fallback applied only when missing).
func ApplyEnv(cfg *AppConfig, env EnvConfig) {
	if cfg.ModelScope.APIKey == "" && env.ModelScopeAPIToken != "" {
		cfg.ModelScope.APIKey = env.ModelScopeAPIToken
	}
}
