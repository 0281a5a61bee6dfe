package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
port: "9000"
databaseURL: postgres://file/db
redisAddr: file-redis:6379
telegramToken: file-token
registryURL: https://registry.example/api
fetchEveryMinutes: 10
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("FETCH_IN_MINUTES", "3")
	t.Setenv("WORKERS", "7")
	t.Setenv("COMMANDS_PER_MINUTE", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Fatalf("env override lost: %q", cfg.DatabaseURL)
	}
	if cfg.FetchEveryMinutes != 3 {
		t.Fatalf("fetchEveryMinutes = %d, want env override 3", cfg.FetchEveryMinutes)
	}
	if cfg.Workers != 7 || cfg.CommandsPerMinute != 30 {
		t.Fatalf("worker/limit env overrides lost: %+v", cfg)
	}
	if cfg.Port != "9000" || cfg.RedisAddr != "file-redis:6379" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.FetchEveryMinutes != 5 || cfg.MaxRetries != 1 || cfg.Workers != 15 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty config should not validate")
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("FETCH_IN_MINUTES", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for non-numeric FETCH_IN_MINUTES")
	}
}
