// Package config loads relaysync settings.
//
// Settings come from, in increasing precedence: built-in defaults, a config
// file (relaysync.yaml or relaysync.toml in the working directory or
// ~/.config/relaysync), RELAYSYNC_* environment variables and command-line
// flags bound by the caller. Relay tokens may also live in a separate TOML
// credentials file so the main config can be shared.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/relaysync/internal/ratelimit"
	"github.com/steveyegge/relaysync/internal/schema"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "RELAYSYNC"

// ErrNoTokens is returned by Validate when no relay token is configured.
var ErrNoTokens = errors.New("no relay tokens configured")

// Config is the effective configuration.
type Config struct {
	// DBPath is the local database file
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// Dest is the relay destination holding the chain
	Dest string `mapstructure:"dest" yaml:"dest"`

	// StorageDest is the relay destination receiving transfer chunks
	// (default: Dest)
	StorageDest string `mapstructure:"storage_dest" yaml:"storage_dest"`

	// Password derives the encryption key shared by every device
	Password string `mapstructure:"password" yaml:"password"`

	// Tokens are the relay credentials; the first one drives chain sync
	Tokens []string `mapstructure:"tokens" yaml:"tokens"`

	// CredentialsFile is a TOML file with a tokens array (and optionally
	// the password) merged into this config
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	// APIURL is the relay bot API base URL
	APIURL string `mapstructure:"api_url" yaml:"api_url"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Transfer  TransferConfig  `mapstructure:"transfer" yaml:"transfer"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RateLimitConfig configures the per-token sliding window.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit" yaml:"limit"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// TransferConfig configures chunked transfers.
type TransferConfig struct {
	ChunkSize   int64         `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
}

// DaemonConfig configures the background scheduler.
type DaemonConfig struct {
	SyncInterval     time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
	WatchDB          bool          `mapstructure:"watch_db" yaml:"watch_db"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LogConfig configures log output.
type LogConfig struct {
	// File enables a rotating log file in addition to stderr
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Quiet      bool   `mapstructure:"quiet" yaml:"quiet"`
}

// credentials is the layout of the TOML credentials file.
type credentials struct {
	Tokens   []string `toml:"tokens"`
	Password string   `toml:"password"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(".relaysync", "relaysync.db"))
	// Empty defaults make the keys visible to env lookup during Unmarshal.
	v.SetDefault("dest", "")
	v.SetDefault("storage_dest", "")
	v.SetDefault("password", "")
	v.SetDefault("tokens", []string{})
	v.SetDefault("credentials_file", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.quiet", false)
	v.SetDefault("log.compress", false)
	v.SetDefault("api_url", "https://api.telegram.org")
	v.SetDefault("rate_limit.limit", ratelimit.DefaultLimit)
	v.SetDefault("rate_limit.window", ratelimit.DefaultWindow)
	v.SetDefault("transfer.chunk_size", schema.ChunkSize)
	v.SetDefault("transfer.max_retries", 5)
	v.SetDefault("transfer.base_backoff", time.Second)
	v.SetDefault("daemon.sync_interval", 30*time.Second)
	v.SetDefault("daemon.debounce_interval", 500*time.Millisecond)
	v.SetDefault("daemon.watch_db", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults, env binding and the config
// search path set up. configFile overrides the search when non-empty.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("relaysync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "relaysync"))
		}
	}
	return v
}

// Load reads the config file if one exists and decodes the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Tokens = splitList(strings.Join(cfg.Tokens, ","))

	if cfg.CredentialsFile != "" {
		if err := cfg.mergeCredentials(); err != nil {
			return nil, err
		}
	}
	if cfg.StorageDest == "" {
		cfg.StorageDest = cfg.Dest
	}
	return &cfg, nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeCredentials adds tokens from the credentials file. The password is
// only taken when none is configured.
func (c *Config) mergeCredentials() error {
	var creds credentials
	if _, err := toml.DecodeFile(c.CredentialsFile, &creds); err != nil {
		return fmt.Errorf("failed to read credentials file %s: %w", c.CredentialsFile, err)
	}

	seen := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		seen[t] = true
	}
	for _, t := range creds.Tokens {
		if t != "" && !seen[t] {
			seen[t] = true
			c.Tokens = append(c.Tokens, t)
		}
	}
	if c.Password == "" {
		c.Password = creds.Password
	}
	return nil
}

// Validate checks the settings needed to talk to the relay.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("db_path is required"))
	}
	if c.Dest == "" {
		errs = append(errs, fmt.Errorf("dest is required"))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("password is required"))
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, ErrNoTokens)
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.limit must be positive (got %d)", c.RateLimit.Limit))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive (got %v)", c.RateLimit.Window))
	}
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be positive (got %d)", c.Transfer.ChunkSize))
	}
	if c.Transfer.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transfer.max_retries cannot be negative (got %d)", c.Transfer.MaxRetries))
	}
	if c.Daemon.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("daemon.sync_interval must be positive (got %v)", c.Daemon.SyncInterval))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Password != "" {
		out.Password = "********"
	}
	out.Tokens = make([]string, len(c.Tokens))
	for i, t := range c.Tokens {
		out.Tokens[i] = maskToken(t)
	}
	return &out
}

// maskToken keeps the bot id part of a "<id>:<secret>" token.
func maskToken(t string) string {
	if id, _, ok := strings.Cut(t, ":"); ok {
		return id + ":****"
	}
	if len(t) <= 4 {
		return "****"
	}
	return t[:4] + "****"
}

// YAML renders the redacted configuration.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(data), nil
}
