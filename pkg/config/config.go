package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Boundary policies for rows re-fetched at a page boundary.
const (
	BoundaryPolicyDedupe = "dedupe"
	BoundaryPolicyKeep   = "keep"
)

// Config holds all configuration for crawlscope.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis is optional. When Host is empty, per-account sync locks fall back to Postgres advisory locks.
	Redis RedisConfig `yaml:"redis"`

	// Cloudflare analytics API
	Cloudflare CloudflareConfig `yaml:"cloudflare"`

	// Sync engine tuning
	Sync SyncConfig `yaml:"sync"`

	// EncryptionKey encrypts Cloudflare API tokens at rest.
	// Must be a 64-character hex string (32 bytes). Generate with: openssl rand -hex 32
	// Server will fail to start if this is not set.
	EncryptionKey string `yaml:"-" env:"ENCRYPTION_KEY"` // Secret - not in YAML

	// CronSecret guards the scheduled batch sync endpoint.
	CronSecret string `yaml:"-" env:"CRON_SECRET"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"crawlscope"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"crawlscope"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// CloudflareConfig holds settings for the Cloudflare API client.
type CloudflareConfig struct {
	GraphQLURL string        `yaml:"graphql_url" env:"CLOUDFLARE_GRAPHQL_URL" env-default:"https://api.cloudflare.com/client/v4/graphql"`
	APIBaseURL string        `yaml:"api_base_url" env:"CLOUDFLARE_API_BASE_URL" env-default:"https://api.cloudflare.com/client/v4"`
	Timeout    time.Duration `yaml:"timeout" env:"CLOUDFLARE_TIMEOUT" env-default:"60s"`
	// RequestsPerSecond caps outbound calls across all accounts. Cloudflare allows ~300 GraphQL queries per 5 minutes.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"CLOUDFLARE_REQUESTS_PER_SECOND" env-default:"1"`
	// BreakerFailureThreshold is the number of consecutive failures that opens the circuit.
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold" env:"CLOUDFLARE_BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout" env:"CLOUDFLARE_BREAKER_TIMEOUT" env-default:"60s"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	DefaultLookbackDays int           `yaml:"default_lookback_days" env:"SYNC_DEFAULT_LOOKBACK_DAYS" env-default:"7"`
	MaxLookbackDays     int           `yaml:"max_lookback_days" env:"SYNC_MAX_LOOKBACK_DAYS" env-default:"30"`
	PageLimit           int           `yaml:"page_limit" env:"SYNC_PAGE_LIMIT" env-default:"10000"`
	MaxPathsPerDate     int           `yaml:"max_paths_per_date" env:"SYNC_MAX_PATHS_PER_DATE" env-default:"50"`
	BatchSize           int           `yaml:"batch_size" env:"SYNC_BATCH_SIZE" env-default:"500"`
	AccountDelay        time.Duration `yaml:"account_delay" env:"SYNC_ACCOUNT_DELAY" env-default:"500ms"`
	BoundaryPolicy      string        `yaml:"boundary_policy" env:"SYNC_BOUNDARY_POLICY" env-default:"dedupe"`
	// LockTTL is the Redis lease expiry. A running sync extends it every TTL/3.
	LockTTL             time.Duration `yaml:"lock_ttl" env:"SYNC_LOCK_TTL" env-default:"15m"`
	QueueConcurrency    int           `yaml:"queue_concurrency" env:"SYNC_QUEUE_CONCURRENCY" env-default:"1"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and environment variables apply.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit config path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.resolveServiceHosts(IsRunningInDocker())

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks settings that cleanenv cannot express with tags.
func (c *Config) Validate() error {
	s := c.Sync
	if s.PageLimit <= 0 {
		return fmt.Errorf("sync.page_limit must be positive, got %d", s.PageLimit)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", s.BatchSize)
	}
	if s.MaxPathsPerDate <= 0 {
		return fmt.Errorf("sync.max_paths_per_date must be positive, got %d", s.MaxPathsPerDate)
	}
	if s.MaxLookbackDays <= 0 || s.DefaultLookbackDays <= 0 {
		return fmt.Errorf("sync lookback days must be positive")
	}
	if s.DefaultLookbackDays > s.MaxLookbackDays {
		return fmt.Errorf("sync.default_lookback_days (%d) exceeds sync.max_lookback_days (%d)",
			s.DefaultLookbackDays, s.MaxLookbackDays)
	}
	if s.BoundaryPolicy != BoundaryPolicyDedupe && s.BoundaryPolicy != BoundaryPolicyKeep {
		return fmt.Errorf("sync.boundary_policy must be %q or %q, got %q",
			BoundaryPolicyDedupe, BoundaryPolicyKeep, s.BoundaryPolicy)
	}
	if s.QueueConcurrency <= 0 {
		return fmt.Errorf("sync.queue_concurrency must be positive, got %d", s.QueueConcurrency)
	}
	if c.Cloudflare.RequestsPerSecond <= 0 {
		return fmt.Errorf("cloudflare.requests_per_second must be positive")
	}
	return nil
}

// IsLocal reports whether the server runs in a local development environment.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as required by golang-migrate.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
