package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultTokenEndpoint  = "/auth/cli/token"
	DefaultLogoutEndpoint = "/auth/cli/logout"
	DefaultClientID       = "cli"
	DefaultAppName        = "authfetch"
	DefaultRequestTimeout = 30 * time.Second
)

// RefreshThreshold is how long before expiry to proactively refresh
const RefreshThreshold = time.Minute

// Environment variables that override file configuration.
const (
	EnvBaseURL         = "AUTHFETCH_BASE_URL"
	EnvTokenEndpoint   = "AUTHFETCH_TOKEN_ENDPOINT"
	EnvLogoutEndpoint  = "AUTHFETCH_LOGOUT_ENDPOINT"
	EnvClientID        = "AUTHFETCH_CLIENT_ID"
	EnvCredentialsPath = "AUTHFETCH_CREDENTIALS_PATH"
	EnvRedisAddr       = "AUTHFETCH_REDIS_ADDR"
	EnvLogLevel        = "AUTHFETCH_LOG_LEVEL"
	EnvLogFormat       = "AUTHFETCH_LOG_FORMAT"
	EnvRefreshTimeout  = "AUTHFETCH_REFRESH_TIMEOUT"
	EnvSignOutTimeout  = "AUTHFETCH_SIGN_OUT_TIMEOUT"
	EnvRequestTimeout  = "AUTHFETCH_REQUEST_TIMEOUT"
)

// Config holds everything needed to talk to one backend.
type Config struct {
	// BaseURL is required. Requests fail with ErrConfiguration without it.
	BaseURL string `yaml:"base_url"`

	// TokenEndpoint and LogoutEndpoint are paths on the BaseURL's origin.
	TokenEndpoint  string `yaml:"token_endpoint"`
	LogoutEndpoint string `yaml:"logout_endpoint"`
	ClientID       string `yaml:"client_id"`

	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	SignOutTimeout   time.Duration `yaml:"sign_out_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	// CredentialsPath is the credentials file; empty means ~/.config/<AppName>/credentials.json.
	CredentialsPath string `yaml:"credentials_path"`
	AppName         string `yaml:"app_name"`

	// RedisAddr, when set, selects the shared Redis credential store.
	RedisAddr string `yaml:"redis_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns the default configuration (without a BaseURL).
func DefaultConfig() *Config {
	c := &Config{}
	c.EnsureDefaults()
	return c
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = DefaultTokenEndpoint
	}
	if c.LogoutEndpoint == "" {
		c.LogoutEndpoint = DefaultLogoutEndpoint
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = RefreshThreshold
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.SignOutTimeout == 0 {
		c.SignOutTimeout = DefaultSignOutTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports ErrConfiguration when the base URL is missing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrConfiguration
	}
	return nil
}

// LoadConfig reads the YAML file at path (skipped when path is empty), then
// applies AUTHFETCH_* environment overrides and defaults. It does not
// validate; a missing base URL surfaces on first use.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.EnsureDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.BaseURL, EnvBaseURL)
	setString(&c.TokenEndpoint, EnvTokenEndpoint)
	setString(&c.LogoutEndpoint, EnvLogoutEndpoint)
	setString(&c.ClientID, EnvClientID)
	setString(&c.CredentialsPath, EnvCredentialsPath)
	setString(&c.RedisAddr, EnvRedisAddr)
	setString(&c.LogLevel, EnvLogLevel)
	setString(&c.LogFormat, EnvLogFormat)
	for env, dst := range map[string]*time.Duration{
		EnvRefreshTimeout: &c.RefreshTimeout,
		EnvSignOutTimeout: &c.SignOutTimeout,
		EnvRequestTimeout: &c.RequestTimeout,
	} {
		if err := setDuration(dst, env); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) error {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", env, err)
	}
	*dst = d
	return nil
}

// SessionOptions returns the Session options implied by the configuration.
func (c *Config) SessionOptions() []Option {
	return []Option{
		WithRefreshTimeout(c.RefreshTimeout),
		WithSignOutTimeout(c.SignOutTimeout),
	}
}
