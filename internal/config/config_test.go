package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("BOTFLEET_TUNABLES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != "botfleet.db" {
		t.Fatalf("database url %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr %q", cfg.ListenAddr)
	}
	if cfg.Tunables.PostRetryMax != 3 || cfg.Tunables.PacerInterval.D != 50*time.Millisecond {
		t.Fatalf("tunable defaults: %+v", cfg.Tunables)
	}
}

func TestLoadTunablesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	body := "pacer_interval: 100ms\npost_retry_max: 5\nregistry_refresh: 60\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOTFLEET_TUNABLES", path)
	t.Setenv("DATABASE_URL", "postgres://x/y")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tunables.PacerInterval.D != 100*time.Millisecond {
		t.Fatalf("pacer interval %s", cfg.Tunables.PacerInterval.D)
	}
	if cfg.Tunables.PostRetryMax != 5 {
		t.Fatalf("retry max %d", cfg.Tunables.PostRetryMax)
	}
	// Bare integers are seconds.
	if cfg.Tunables.RegistryRefresh.D != time.Minute {
		t.Fatalf("registry refresh %s", cfg.Tunables.RegistryRefresh.D)
	}
	// Untouched keys keep their defaults.
	if cfg.Tunables.BroadcastCheckpointEvery != 50 {
		t.Fatalf("checkpoint every %d", cfg.Tunables.BroadcastCheckpointEvery)
	}
}

func TestLoadRejectsBadTunables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	if err := os.WriteFile(path, []byte("post_retry_max: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOTFLEET_TUNABLES", path)
	if _, err := Load(); err == nil {
		t.Fatal("want validation error")
	}
}
