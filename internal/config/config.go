// Package config loads relaynotes settings from defaults, an optional config
// file and RELAYNOTES_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const EnvPrefix = "RELAYNOTES"

const (
	KeyUserID            = "user_id"
	KeyAccessToken       = "access_token"
	KeyReplicaDSN        = "replica_dsn"
	KeyCloudDSN          = "cloud_dsn"
	KeyFeedURL           = "feed_url"
	KeyListenAddr        = "listen_addr"
	KeyJWTSecret         = "jwt_secret"
	KeyOperationTimeout  = "operation_timeout"
	KeyMaxParallel       = "max_parallel"
	KeyReconcileInterval = "reconcile_interval"
	KeyReconcileJitter   = "reconcile_jitter"
	KeyOfflineRetry      = "offline_retry"
	KeyRateLimit         = "rate_limit"
	KeyRateBurst         = "rate_burst"
	KeyMaxBodyBytes      = "max_body_bytes"
	KeyLogJSON           = "log_json"
	KeyLogLevel          = "log_level"
)

type Config struct {
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`

	ReplicaDSN string `mapstructure:"replica_dsn"`
	CloudDSN   string `mapstructure:"cloud_dsn"`
	// FeedURL, when set, takes change events from a relay's websocket
	// instead of the cloud DSN's own feed.
	FeedURL string `mapstructure:"feed_url"`

	ListenAddr   string  `mapstructure:"listen_addr"`
	JWTSecret    string  `mapstructure:"jwt_secret"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`

	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileJitter   float64       `mapstructure:"reconcile_jitter"`
	OfflineRetry      time.Duration `mapstructure:"offline_retry"`

	LogJSON  bool   `mapstructure:"log_json"`
	LogLevel string `mapstructure:"log_level"`
}

// SetDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyUserID, "")
	v.SetDefault(KeyAccessToken, "")
	v.SetDefault(KeyReplicaDSN, "file://.relaynotes")
	v.SetDefault(KeyCloudDSN, "memory://")
	v.SetDefault(KeyFeedURL, "")
	v.SetDefault(KeyListenAddr, "127.0.0.1:8787")
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeyRateLimit, 20.0)
	v.SetDefault(KeyRateBurst, 40)
	v.SetDefault(KeyMaxBodyBytes, int64(1<<20))
	v.SetDefault(KeyOperationTimeout, 10*time.Second)
	v.SetDefault(KeyMaxParallel, 8)
	v.SetDefault(KeyReconcileInterval, 5*time.Minute)
	v.SetDefault(KeyReconcileJitter, 0.2)
	v.SetDefault(KeyOfflineRetry, 15*time.Second)
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyLogLevel, "info")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configFile (if any) into v and returns the validated config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.UserID = strings.TrimSpace(c.UserID)
	c.AccessToken = strings.TrimSpace(c.AccessToken)
	c.ReplicaDSN = strings.TrimSpace(c.ReplicaDSN)
	c.CloudDSN = strings.TrimSpace(c.CloudDSN)
	c.FeedURL = strings.TrimSpace(c.FeedURL)
	if c.ReconcileJitter < 0 {
		c.ReconcileJitter = 0
	}
	if c.ReconcileJitter > 1 {
		c.ReconcileJitter = 1
	}
}

func (c Config) Validate() error {
	if c.UserID == "" {
		return errors.Mark(errors.New("user_id is required (RELAYNOTES_USER_ID)"), notes.ErrInvalidInput)
	}
	if c.ReplicaDSN == "" {
		return errors.Mark(errors.New("replica_dsn cannot be empty"), notes.ErrInvalidInput)
	}
	if c.OperationTimeout <= 0 {
		return errors.Mark(errors.Newf("operation_timeout must be > 0, got %s", c.OperationTimeout), notes.ErrInvalidInput)
	}
	if c.MaxParallel < 1 {
		return errors.Mark(errors.Newf("max_parallel must be >= 1, got %d", c.MaxParallel), notes.ErrInvalidInput)
	}
	if c.ReconcileInterval < 0 {
		return errors.Mark(errors.Newf("reconcile_interval must be >= 0, got %s", c.ReconcileInterval), notes.ErrInvalidInput)
	}
	if c.OfflineRetry <= 0 {
		return errors.Mark(errors.Newf("offline_retry must be > 0, got %s", c.OfflineRetry), notes.ErrInvalidInput)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.Mark(errors.New("rate_limit and rate_burst must be >= 0"), notes.ErrInvalidInput)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.Mark(errors.Newf("max_body_bytes must be > 0, got %d", c.MaxBodyBytes), notes.ErrInvalidInput)
	}
	return nil
}

// ValidateServe checks what the API server needs on top of Validate.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.Mark(errors.New("jwt_secret is required to serve the API (RELAYNOTES_JWT_SECRET)"), notes.ErrInvalidInput)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.Mark(errors.New("listen_addr cannot be empty"), notes.ErrInvalidInput)
	}
	return nil
}

// Identity is the session identity the engine acts as. A session without an
// access token is treated as signed out.
func (c Config) Identity() notes.Identity {
	return notes.Identity{UserID: c.UserID, Authenticated: c.AccessToken != ""}
}
