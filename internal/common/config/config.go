// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Warmer     WarmerConfig     `mapstructure:"warmer"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// --- Specific Configuration Sections ---

// PlatformConfig holds settings for the remote messaging platform API.
type PlatformConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

// GetTimeout returns the per-call timeout for remote platform requests.
func (p PlatformConfig) GetTimeout() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

// DispatcherConfig holds the rate-limited dispatcher settings.
type DispatcherConfig struct {
	Workers          int `mapstructure:"workers"`
	GlobalRPS        int `mapstructure:"global_rps"`         // calls/second, all tenants
	TenantPerMinute  int `mapstructure:"tenant_per_minute"`  // calls/minute, one chat scope
	BacklogThreshold int `mapstructure:"backlog_threshold"`  // queued jobs before P2 rejection
	MaxAttempts      int `mapstructure:"max_attempts"`       // total attempts incl. the first
	BackoffBase      int `mapstructure:"backoff_base"`       // milliseconds
}

// GetBackoffBase returns the first retry delay.
func (d DispatcherConfig) GetBackoffBase() time.Duration {
	return time.Duration(d.BackoffBase) * time.Millisecond
}

// CacheConfig holds membership cache TTL settings. Negative entries expire
// sooner than positive ones so a freshly joined user is admitted quickly.
type CacheConfig struct {
	PositiveTTL       int     `mapstructure:"positive_ttl"` // seconds
	PositiveJitterPct float64 `mapstructure:"positive_jitter_pct"`
	NegativeTTL       int     `mapstructure:"negative_ttl"` // seconds
	NegativeJitterPct float64 `mapstructure:"negative_jitter_pct"`
}

// GetPositiveTTL returns the base TTL for positive membership entries.
func (c CacheConfig) GetPositiveTTL() time.Duration {
	return time.Duration(c.PositiveTTL) * time.Second
}

// GetNegativeTTL returns the base TTL for negative membership entries.
func (c CacheConfig) GetNegativeTTL() time.Duration {
	return time.Duration(c.NegativeTTL) * time.Second
}

// WarmerConfig holds batch cache-warming settings.
type WarmerConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	BatchSize int  `mapstructure:"batch_size"`
	MaxUsers  int  `mapstructure:"max_users"` // active-user window per sweep
	Interval  int  `mapstructure:"interval"`  // seconds between sweeps
}

// GetInterval returns the pause between scheduled sweeps.
func (w WarmerConfig) GetInterval() time.Duration {
	return time.Duration(w.Interval) * time.Second
}

// AuditConfig holds settings for the verification-event sink.
type AuditConfig struct {
	Index string `mapstructure:"index"`
}

// ServerConfig holds the HTTP facade settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
