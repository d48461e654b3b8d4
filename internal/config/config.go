package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Tracking TrackingConfig `mapstructure:"tracking"`
}

// DatabaseConfig selects the GORM dialector
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

type ServerConfig struct {
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`
	CORSOrigins string `mapstructure:"cors_origins"` // comma separated, * for all
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type SecurityConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	EncryptionKey string `mapstructure:"encryption_key"` // empty derives from JWTSecret
}

// OAuthProviderConfig holds one provider's OAuth client registration
type OAuthProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	Tenant       string `mapstructure:"tenant"` // microsoft only
}

type OAuthConfig struct {
	Google    OAuthProviderConfig `mapstructure:"google"`
	Microsoft OAuthProviderConfig `mapstructure:"microsoft"`
	// SuccessURL and ErrorURL are where the callback sends the browser
	SuccessURL string        `mapstructure:"success_url"`
	ErrorURL   string        `mapstructure:"error_url"`
	StateTTL   time.Duration `mapstructure:"state_ttl"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	InitialDays int           `mapstructure:"initial_days"`
	IMAPTimeout time.Duration `mapstructure:"imap_timeout"`
}

type JobsConfig struct {
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	RetainCompleted time.Duration `mapstructure:"retain_completed"`
	RetainFailed    time.Duration `mapstructure:"retain_failed"`
	// Lease is how long an active job may run before another worker may take it
	Lease           time.Duration `mapstructure:"lease"`
}

type TrackingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	FallbackURL string `mapstructure:"fallback_url"`
	LinkSecret  string `mapstructure:"link_secret"` // empty derives from JWTSecret
}

// EnvPrefix is prepended to every environment override, e.g. MAILSYNC_SERVER_PORT
const EnvPrefix = "MAILSYNC"

const DefaultJWTSecret = "mailsync-default-secret-change-in-production"

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/mailsync.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.cors_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("security.jwt_secret", DefaultJWTSecret)
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("oauth.google.client_id", "")
	v.SetDefault("oauth.google.client_secret", "")
	v.SetDefault("oauth.google.redirect_url", "http://localhost:8080/api/oauth/gmail/callback")
	v.SetDefault("oauth.microsoft.client_id", "")
	v.SetDefault("oauth.microsoft.client_secret", "")
	v.SetDefault("oauth.microsoft.redirect_url", "http://localhost:8080/api/oauth/outlook/callback")
	v.SetDefault("oauth.microsoft.tenant", "common")
	v.SetDefault("oauth.success_url", "/?oauth_success=1")
	v.SetDefault("oauth.error_url", "/")
	v.SetDefault("oauth.state_ttl", 10*time.Minute)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.initial_days", 30)
	v.SetDefault("sync.imap_timeout", 2*time.Minute)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff_base", 30*time.Second)
	v.SetDefault("jobs.backoff_max", 30*time.Minute)
	v.SetDefault("jobs.retain_completed", 24*time.Hour)
	v.SetDefault("jobs.retain_failed", 7*24*time.Hour)
	v.SetDefault("jobs.lease", 30*time.Minute)
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.fallback_url", "/")
	v.SetDefault("tracking.link_secret", "")
}

// Load loads configuration.
// Priority: environment variables > config file > defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from an explicit file. An empty path searches
// config.{yaml,json} in the working directory and in ./data.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(".", "data"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// the file is optional unless named explicitly
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Jobs.Workers < 1 {
		return errors.New("jobs.workers must be at least 1")
	}
	if c.Jobs.MaxAttempts < 1 {
		return errors.New("jobs.max_attempts must be at least 1")
	}
	return nil
}

// GetEncryptionKey returns the 32 byte key used for credentials at rest.
// If EncryptionKey is set use it, otherwise derive from JWTSecret.
func (c *Config) GetEncryptionKey() []byte {
	if c.Security.EncryptionKey != "" {
		hash := sha256.Sum256([]byte(c.Security.EncryptionKey))
		return hash[:]
	}
	hash := sha256.Sum256([]byte(c.Security.JWTSecret + "-encryption"))
	return hash[:]
}

// GetLinkKey returns the key that signs click tracking links
func (c *Config) GetLinkKey() []byte {
	secret := c.Tracking.LinkSecret
	if secret == "" {
		secret = c.Security.JWTSecret + "-tracking"
	}
	hash := sha256.Sum256([]byte(secret))
	return hash[:]
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}
