package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	// CachePath is the SQLite database location.
	CachePath string `mapstructure:"cache_path"`
	LogLevel  string `mapstructure:"log_level"`

	// SyncInterval is the period between background sync passes.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// FullSyncEvery forces a full folder listing after this many
	// incremental syncs, pruning server-side deletions.
	FullSyncEvery int `mapstructure:"full_sync_every"`
	// MaxNetworkOps caps simultaneous gateway calls across all accounts.
	MaxNetworkOps int `mapstructure:"max_network_ops"`
	// RetryMaxAttempts bounds transparent retries of transient failures.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`
	// RPCTimeout bounds each gateway call.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
	// AttachmentCacheBudget bounds cached attachment bytes; least
	// recently used content is evicted past it.
	AttachmentCacheBudget int64 `mapstructure:"attachment_cache_budget"`
	// BodyCacheSize is the entry count of the in-memory body cache.
	BodyCacheSize int `mapstructure:"body_cache_size"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds connection parameters for one account.
type AccountConfig struct {
	Name     string `mapstructure:"name"`
	Email    string `mapstructure:"email"`
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// PasswordEnv names an environment variable holding the password,
	// preferred over embedding it in the config file.
	PasswordEnv string `mapstructure:"password_env"`
}

// ResolvePassword returns the account password, consulting PasswordEnv
// when set.
func (a *AccountConfig) ResolvePassword() string {
	if a.PasswordEnv != "" {
		if v := os.Getenv(a.PasswordEnv); v != "" {
			return v
		}
	}
	return a.Password
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mailbench", "config.yaml"), nil
}

func defaults() Config {
	return Config{
		CachePath:             "mailbench.db",
		LogLevel:              "info",
		SyncInterval:          5 * time.Minute,
		FullSyncEvery:         10,
		MaxNetworkOps:         4,
		RetryMaxAttempts:      3,
		RPCTimeout:            30 * time.Second,
		AttachmentCacheBudget: 256 << 20,
		BodyCacheSize:         128,
	}
}

// Load reads configuration from the given file (or the default path if
// empty), with MAILBENCH_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolving config path: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache_path", cfg.CachePath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("sync_interval", cfg.SyncInterval)
	v.SetDefault("full_sync_every", cfg.FullSyncEvery)
	v.SetDefault("max_network_ops", cfg.MaxNetworkOps)
	v.SetDefault("retry_max_attempts", cfg.RetryMaxAttempts)
	v.SetDefault("rpc_timeout", cfg.RPCTimeout)
	v.SetDefault("attachment_cache_budget", cfg.AttachmentCacheBudget)
	v.SetDefault("body_cache_size", cfg.BodyCacheSize)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.MaxNetworkOps < 1 {
		return fmt.Errorf("max_network_ops must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true
		if acc.Server == "" {
			return fmt.Errorf("account %s: server is required", acc.Name)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: username is required", acc.Name)
		}
		if acc.ResolvePassword() == "" {
			return fmt.Errorf("account %s: password or password_env is required", acc.Name)
		}
	}
	return nil
}

// AccountNames returns the configured account names.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
