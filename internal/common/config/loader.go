// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like PLATFORM_TOKEN
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, ignored if not present.
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig()

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile tries .env from a few likely locations so the binary works
// from the repo root, a cmd directory, or a test package.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// ApplyDefaults fills every unset field with its documented default.
// Unknown keys in the source config are simply never read.
func ApplyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "membergate"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 20
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.Address == "" {
		cfg.Database.Redis.Address = "localhost:6379"
	}
	if len(cfg.Database.Elasticsearch.Addresses) == 0 {
		cfg.Database.Elasticsearch.Addresses = []string{"http://localhost:9200"}
	}

	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = 5000
	}

	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 8
	}
	if cfg.Dispatcher.GlobalRPS == 0 {
		cfg.Dispatcher.GlobalRPS = 25
	}
	if cfg.Dispatcher.TenantPerMinute == 0 {
		cfg.Dispatcher.TenantPerMinute = 18
	}
	if cfg.Dispatcher.BacklogThreshold == 0 {
		cfg.Dispatcher.BacklogThreshold = 500
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 4
	}
	if cfg.Dispatcher.BackoffBase == 0 {
		cfg.Dispatcher.BackoffBase = 1000
	}

	if cfg.Cache.PositiveTTL == 0 {
		cfg.Cache.PositiveTTL = 900
	}
	if cfg.Cache.PositiveJitterPct == 0 {
		cfg.Cache.PositiveJitterPct = 0.10
	}
	if cfg.Cache.NegativeTTL == 0 {
		cfg.Cache.NegativeTTL = 180
	}
	if cfg.Cache.NegativeJitterPct == 0 {
		cfg.Cache.NegativeJitterPct = 0.10
	}

	if cfg.Warmer.BatchSize == 0 {
		cfg.Warmer.BatchSize = 100
	}
	if cfg.Warmer.MaxUsers == 0 {
		cfg.Warmer.MaxUsers = 5000
	}
	if cfg.Warmer.Interval == 0 {
		cfg.Warmer.Interval = 3600
	}

	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "verification-events"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if cfg.Cache.PositiveJitterPct < 0 || cfg.Cache.PositiveJitterPct >= 1 {
		return fmt.Errorf("cache.positive_jitter_pct must be in [0, 1)")
	}
	if cfg.Cache.NegativeJitterPct < 0 || cfg.Cache.NegativeJitterPct >= 1 {
		return fmt.Errorf("cache.negative_jitter_pct must be in [0, 1)")
	}
	if cfg.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	return nil
}
