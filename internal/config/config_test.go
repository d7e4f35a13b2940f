package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "versehub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Generator.Provider != GeneratorMock {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HTTP.Address() != ":8787" {
		t.Fatalf("unexpected address %q", cfg.HTTP.Address())
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_VERSEHUB_DSN", "file:poems.db")
	path := writeConfig(t, `
log:
  level: debug
http:
  port: 9000
store:
  driver: sqlite
  dsn: ${TEST_VERSEHUB_DSN}
generator:
  provider: mock
  timeout: 15s
auth:
  token_secret: a-long-enough-secret
  token_ttl: 2h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", cfg.Log.Level)
	}
	if cfg.HTTP.Port != 9000 || cfg.Store.DSN != "file:poems.db" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Generator.Timeout != 15*time.Second || cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("unexpected durations: %v %v", cfg.Generator.Timeout, cfg.Auth.TokenTTL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 9000\n")
	t.Setenv("VERSEHUB_PORT", "9100")
	t.Setenv("VERSEHUB_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/versehub")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 9100 || cfg.Store.Driver != DriverPostgres || cfg.Store.DSN != "postgres://localhost/versehub" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, errSub: "store"},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Store.Driver = DriverSQLite }, errSub: "store"},
		{name: "file without path", mutate: func(c *Config) { c.Store.Driver = DriverFile; c.Store.Path = "" }, errSub: "store"},
		{name: "openai without key", mutate: func(c *Config) { c.Generator.Provider = GeneratorOpenAI }, errSub: "generator"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.TokenSecret = "short" }, errSub: "auth"},
		{name: "no provider secret", mutate: func(c *Config) { c.Auth.ProviderSecret = "" }, errSub: "auth"},
		{name: "provider secret reused", mutate: func(c *Config) { c.Auth.ProviderSecret = c.Auth.TokenSecret }, errSub: "auth"},
		{name: "snapshots without bucket", mutate: func(c *Config) { c.Snapshots.Endpoint = "localhost:9000" }, errSub: "snapshots"},
		{name: "bad port", mutate: func(c *Config) { c.HTTP.Port = 70000 }, errSub: "http"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.HasPrefix(err.Error(), tc.errSub) {
				t.Fatalf("expected %s error, got %v", tc.errSub, err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
