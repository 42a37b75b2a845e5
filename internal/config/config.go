// Package config loads the fitsync configuration file plus environment
// overrides. The file describes accounts, sync rules and cache policy; it
// is read once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Account is one platform credential set. The map key in Config.Accounts
// (e.g. "garmin_us") is the stable account ID the rest of the system uses.
type Account struct {
	Platform         string `mapstructure:"platform"`
	Email            string `mapstructure:"email"`
	Password         string `mapstructure:"password"`
	Region           string `mapstructure:"region"`
	RateLimitSeconds int    `mapstructure:"rate_limit_seconds"`
	// BaseURL overrides the platform API endpoint; used by tests.
	BaseURL string `mapstructure:"base_url"`
}

// SyncRule is one directional source → destination rule.
type SyncRule struct {
	Source           string   `mapstructure:"source"`
	Destination      string   `mapstructure:"destination"`
	ActivityTypes    []string `mapstructure:"activity_types"`
	StartDate        string   `mapstructure:"start_date"`
	EndDate          string   `mapstructure:"end_date"`
	ConflictStrategy string   `mapstructure:"conflict_strategy"`
}

// Cache controls the on-disk cache tiers.
type Cache struct {
	Directory  string `mapstructure:"directory"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Sync holds engine policy knobs.
type Sync struct {
	// Tolerance is the fingerprint clock-skew window, e.g. "2m".
	Tolerance        time.Duration `mapstructure:"tolerance"`
	MaxParallelRules int           `mapstructure:"max_parallel_rules"`
}

// Config is the full application configuration.
type Config struct {
	Accounts  map[string]Account `mapstructure:"accounts"`
	SyncRules []SyncRule         `mapstructure:"sync_rules"`
	Cache     Cache              `mapstructure:"cache"`
	Sync      Sync               `mapstructure:"sync"`
}

// MaxAge returns the cache TTL as a duration.
func (c Cache) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// Load reads the config file at path, or the default location if path is
// empty. A local .env file and FITSYNC_-prefixed environment variables
// override file values.
func Load(path string) (*Config, error) {
	// Optional; absence just means credentials come from the file or env.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache.directory", "~/.fitsync/cache")
	v.SetDefault("cache.max_age_days", 7)
	v.SetDefault("sync.tolerance", "2m")
	v.SetDefault("sync.max_parallel_rules", 2)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, ".fitsync"))
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	dir, err := expandHome(cfg.Cache.Directory)
	if err != nil {
		return nil, err
	}
	cfg.Cache.Directory = dir

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	for id, acct := range c.Accounts {
		if acct.Platform == "" {
			return fmt.Errorf("account %s: platform is required", id)
		}
		if acct.Email == "" || acct.Password == "" {
			return fmt.Errorf("account %s: email and password are required", id)
		}
	}
	for i, rule := range c.SyncRules {
		if _, ok := c.Accounts[rule.Source]; !ok {
			return fmt.Errorf("sync rule %d: source account %q not configured", i, rule.Source)
		}
		if _, ok := c.Accounts[rule.Destination]; !ok {
			return fmt.Errorf("sync rule %d: destination account %q not configured", i, rule.Destination)
		}
	}
	if c.Cache.MaxAgeDays <= 0 {
		return fmt.Errorf("cache.max_age_days must be positive")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
