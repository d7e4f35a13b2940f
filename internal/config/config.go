// Package config loads service configuration. Environment variables win over
// the optional YAML file, which wins over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	GeneratorMock   = "mock"
	GeneratorOpenAI = "openai"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Git       GitConfig       `yaml:"git"`
	Search    SearchConfig    `yaml:"search"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Generator GeneratorConfig `yaml:"generator"`
	Auth      AuthConfig      `yaml:"auth"`
	SMTP      SMTPConfig      `yaml:"smtp"`
}

type LogConfig struct {
	Level slog.Level `yaml:"level"`
}

type HTTPConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

func (c *StoreConfig) Validate() error {
	sqlDriver := c.Driver == DriverSQLite || c.Driver == DriverPostgres
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverFile, DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.When(sqlDriver, validation.Required)),
		validation.Field(&c.Path, validation.When(c.Driver == DriverFile, validation.Required)),
	)
}

// RedisConfig enables the cross-instance merge lock and shared token
// revocation when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// GitConfig enables the revision mirror when ReposDir is set.
type GitConfig struct {
	ReposDir string `yaml:"repos_dir"`
}

type SearchConfig struct {
	MeiliURL string `yaml:"meili_url"`
	MeiliKey string `yaml:"meili_key"`
}

type SnapshotConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func (c *SnapshotConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c *SnapshotConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Bucket, validation.When(c.Enabled(), validation.Required)),
	)
}

type GeneratorConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *GeneratorConfig) Validate() error {
	openai := c.Provider == GeneratorOpenAI
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(GeneratorMock, GeneratorOpenAI)),
		validation.Field(&c.Model, validation.When(openai, validation.Required)),
		validation.Field(&c.APIKey, validation.When(openai, validation.Required)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	// ProviderSecret verifies identity assertions exchanged at session issue.
	ProviderSecret string `yaml:"provider_secret"`
}

func (c *AuthConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TokenSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.TokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.ProviderSecret, validation.Required, validation.Length(16, 0),
			validation.NotIn(c.TokenSecret).Error("must differ from token_secret")),
	)
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	BaseURL  string `yaml:"base_url"`
}

func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Snapshots.Validate(); err != nil {
		return fmt.Errorf("snapshots: %w", err)
	}
	if err := c.Generator.Validate(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: slog.LevelInfo},
		HTTP: HTTPConfig{Port: 8787, CORSOrigin: "*"},
		Store: StoreConfig{
			Driver: DriverMemory,
			Path:   "./data/versehub.json",
		},
		Generator: GeneratorConfig{
			Provider: GeneratorMock,
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Auth: AuthConfig{
			TokenSecret:    "versehub-dev-secret",
			TokenTTL:       24 * time.Hour,
			ProviderSecret: "versehub-dev-provider-secret",
		},
		SMTP: SMTPConfig{Port: "587", FromName: "Versehub"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply. A missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = getenvInt("VERSEHUB_PORT", c.HTTP.Port)
	c.HTTP.CORSOrigin = getenv("VERSEHUB_CORS_ORIGIN", c.HTTP.CORSOrigin)
	if level := os.Getenv("VERSEHUB_LOG_LEVEL"); level != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(level)); err == nil {
			c.Log.Level = parsed
		}
	}

	c.Store.Driver = getenv("VERSEHUB_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getenv("DATABASE_URL", c.Store.DSN)
	c.Store.Path = getenv("VERSEHUB_STORE_PATH", c.Store.Path)

	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Git.ReposDir = getenv("VERSEHUB_REPOS_DIR", c.Git.ReposDir)

	c.Search.MeiliURL = getenv("MEILI_URL", c.Search.MeiliURL)
	c.Search.MeiliKey = getenv("MEILI_MASTER_KEY", c.Search.MeiliKey)

	c.Snapshots.Endpoint = getenv("MINIO_ENDPOINT", c.Snapshots.Endpoint)
	c.Snapshots.AccessKey = getenv("MINIO_ACCESS_KEY", c.Snapshots.AccessKey)
	c.Snapshots.SecretKey = getenv("MINIO_SECRET_KEY", c.Snapshots.SecretKey)
	c.Snapshots.Bucket = getenv("MINIO_BUCKET", c.Snapshots.Bucket)

	c.Generator.Provider = getenv("VERSEHUB_GENERATOR", c.Generator.Provider)
	c.Generator.Model = getenv("OPENAI_MODEL", c.Generator.Model)
	c.Generator.APIKey = getenv("OPENAI_API_KEY", c.Generator.APIKey)
	c.Generator.BaseURL = getenv("OPENAI_BASE_URL", c.Generator.BaseURL)
	c.Generator.Timeout = time.Duration(getenvInt("VERSEHUB_GENERATOR_TIMEOUT_SECONDS", int(c.Generator.Timeout/time.Second))) * time.Second

	c.Auth.TokenSecret = getenv("VERSEHUB_TOKEN_SECRET", c.Auth.TokenSecret)
	c.Auth.TokenTTL = time.Duration(getenvInt("VERSEHUB_TOKEN_TTL_SECONDS", int(c.Auth.TokenTTL/time.Second))) * time.Second
	c.Auth.ProviderSecret = getenv("VERSEHUB_PROVIDER_SECRET", c.Auth.ProviderSecret)

	c.SMTP.Host = getenv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getenv("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getenv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getenv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getenv("SMTP_FROM", c.SMTP.From)
	c.SMTP.FromName = getenv("SMTP_FROM_NAME", c.SMTP.FromName)
	c.SMTP.BaseURL = getenv("VERSEHUB_PUBLIC_URL", c.SMTP.BaseURL)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
