// Package config loads the process configuration: connection and listen
// settings from the environment (optionally seeded from a .env file) and
// operational tunables from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	// DatabaseURL selects the driver: postgres:// for production, anything
	// else is treated as a SQLite path.
	DatabaseURL string
	// ListenAddr is the ops HTTP bind address.
	ListenAddr string
	LogLevel   string

	Tunables Tunables
}

// Tunables are process-level knobs with safe defaults; the YAML file is
// optional and partial.
type Tunables struct {
	RegistryRefresh Duration `yaml:"registry_refresh"`
	PacerInterval   Duration `yaml:"pacer_interval"`
	BroadcastTick   Duration `yaml:"broadcast_tick"`

	PostRetryMax     int      `yaml:"post_retry_max"`
	PostRetryBackoff Duration `yaml:"post_retry_backoff"`

	BroadcastCheckpointEvery int `yaml:"broadcast_checkpoint_every"`
}

func defaultTunables() Tunables {
	return Tunables{
		RegistryRefresh:          Duration{30 * time.Second},
		PacerInterval:            Duration{50 * time.Millisecond},
		BroadcastTick:            Duration{30 * time.Second},
		PostRetryMax:             3,
		PostRetryBackoff:         Duration{5 * time.Minute},
		BroadcastCheckpointEvery: 50,
	}
}

// Load reads the environment (after a best-effort .env load) and the YAML
// tunables file named by BOTFLEET_TUNABLES, if set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL: envOr("DATABASE_URL", "botfleet.db"),
		ListenAddr:  envOr("LISTEN_ADDR", ":"+envOr("PORT", "8080")),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		Tunables:    defaultTunables(),
	}

	if path := os.Getenv("BOTFLEET_TUNABLES"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read tunables: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Tunables); err != nil {
			return Config{}, fmt.Errorf("parse tunables: %w", err)
		}
	}
	if err := cfg.Tunables.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (t Tunables) validate() error {
	if t.PostRetryMax < 1 {
		return fmt.Errorf("post_retry_max must be >= 1, got %d", t.PostRetryMax)
	}
	if t.BroadcastCheckpointEvery < 1 {
		return fmt.Errorf("broadcast_checkpoint_every must be >= 1, got %d", t.BroadcastCheckpointEvery)
	}
	if t.RegistryRefresh.D <= 0 || t.PacerInterval.D <= 0 || t.BroadcastTick.D <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
