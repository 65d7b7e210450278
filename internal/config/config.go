package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Vault     VaultConfig     `yaml:"vault"`
	LLM       LLMConfig       `yaml:"llm"`
	Abilities AbilityConfig   `yaml:"abilities"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Batch     BatchConfig     `yaml:"batch"`
	Fleet     FleetConfig     `yaml:"fleet"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
}

type AbilityConfig struct {
	AllowedNamespaces []string `yaml:"allowed_namespaces"`
}

type BucketConfig struct {
	Name        string        `yaml:"name"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

type RateLimitConfig struct {
	Enabled bool           `yaml:"enabled"`
	Buckets []BucketConfig `yaml:"buckets"`
}

type BatchConfig struct {
	MaxWait       time.Duration `yaml:"max_wait"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type FleetConfig struct {
	EventBuffer    int           `yaml:"event_buffer"`
	FlapMaxCrashes int           `yaml:"flap_max_crashes"`
	FlapWindow     time.Duration `yaml:"flap_window"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/fleetd.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-5-20250929",
		},
		Abilities: AbilityConfig{
			AllowedNamespaces: []string{"core"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Buckets: []BucketConfig{
				{Name: "default", Window: time.Minute, MaxRequests: 60},
			},
		},
		Batch: BatchConfig{
			MaxWait:       30 * time.Second,
			BackoffFactor: 1.5,
		},
		Fleet: FleetConfig{
			EventBuffer: 256,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FLEETD_CONFIG")
	if path == "" {
		path = "config/fleetd.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEETD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEETD_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FLEETD_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FLEETD_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("FLEETD_RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}
}
