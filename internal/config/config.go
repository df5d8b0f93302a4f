// Package config loads the gateway configuration from defaults, a YAML or
// TOML file and LABGATE_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Backend    BackendConfig    `yaml:"backend" toml:"backend"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Identity   IdentityConfig   `yaml:"identity" toml:"identity"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig controls the inbound HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address" toml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	SecureCookies   bool          `yaml:"secure_cookies" toml:"secure_cookies"`
	// AppURL is where the browser lands after a completed login.
	AppURL string `yaml:"app_url" toml:"app_url"`
}

// BackendConfig points at the experiments REST API.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	ELNTimeout     time.Duration `yaml:"eln_timeout" toml:"eln_timeout"`
}

// CompletionConfig points at the text completion API used by the editor.
type CompletionConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// IdentityConfig describes the hosted OIDC user pool.
type IdentityConfig struct {
	ClientID      string        `yaml:"client_id" toml:"client_id"`
	ClientSecret  string        `yaml:"client_secret" toml:"client_secret"`
	Domain        string        `yaml:"domain" toml:"domain"`
	Region        string        `yaml:"region" toml:"region"`
	UserPoolID    string        `yaml:"user_pool_id" toml:"user_pool_id"`
	RedirectURL   string        `yaml:"redirect_url" toml:"redirect_url"`
	Scopes        []string      `yaml:"scopes" toml:"scopes"`
	RefreshMargin time.Duration `yaml:"refresh_margin" toml:"refresh_margin"`
	JWKSRefresh   time.Duration `yaml:"jwks_refresh" toml:"jwks_refresh"`
}

// Enabled reports whether enough is configured to run the hosted login flow.
func (c IdentityConfig) Enabled() bool {
	return c.ClientID != "" && c.Domain != "" && c.Region != "" && c.UserPoolID != ""
}

// SessionConfig controls session cookies and their persistence.
type SessionConfig struct {
	SigningKey string `yaml:"signing_key" toml:"signing_key"`
	// StorePath is the SQLite database file. Empty keeps sessions in memory.
	StorePath string        `yaml:"store_path" toml:"store_path"`
	TTL       time.Duration `yaml:"ttl" toml:"ttl"`
}

// LogConfig mirrors log.Config in string form.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled" toml:"enabled"`
	Endpoint   string  `yaml:"endpoint" toml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    11 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SecureCookies:   true,
			AppURL:          "/",
		},
		Backend: BackendConfig{
			RequestTimeout: 30 * time.Second,
			ELNTimeout:     10 * time.Minute,
		},
		Completion: CompletionConfig{
			Timeout:   20 * time.Second,
			RateLimit: 2,
			Burst:     5,
		},
		Identity: IdentityConfig{
			Scopes:        []string{"openid", "email", "profile"},
			RefreshMargin: 5 * time.Minute,
			JWKSRefresh:   15 * time.Minute,
		},
		Session: SessionConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
	}
}

// DefaultPath returns ~/.labgate/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".labgate", "config.yaml"), nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load reads path on top of the defaults and then applies environment
// overrides from lookup. A missing file is not an error.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode picks the format from the file extension; anything but .toml is YAML.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

type envBinding struct {
	name string
	set  func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func dur(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

// Later bindings win, so the LABGATE_IDENTITY_* names override COGNITO_*.
var envBindings = []envBinding{
	{"LABGATE_SERVER_ADDRESS", str(func(c *Config) *string { return &c.Server.Address })},
	{"LABGATE_SERVER_APP_URL", str(func(c *Config) *string { return &c.Server.AppURL })},
	{"LABGATE_SERVER_SECURE_COOKIES", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Server.SecureCookies = b
		return err
	}},
	{"LABGATE_BACKEND_URL", str(func(c *Config) *string { return &c.Backend.BaseURL })},
	{"LABGATE_BACKEND_TIMEOUT", dur(func(c *Config) *time.Duration { return &c.Backend.RequestTimeout })},
	{"LABGATE_BACKEND_ELN_TIMEOUT", dur(func(c *Config) *time.Duration { return &c.Backend.ELNTimeout })},
	{"LABGATE_COMPLETION_URL", str(func(c *Config) *string { return &c.Completion.URL })},
	{"LABGATE_COMPLETION_API_KEY", str(func(c *Config) *string { return &c.Completion.APIKey })},
	{"COGNITO_CLIENT_ID", str(func(c *Config) *string { return &c.Identity.ClientID })},
	{"COGNITO_DOMAIN", str(func(c *Config) *string { return &c.Identity.Domain })},
	{"COGNITO_REGION", str(func(c *Config) *string { return &c.Identity.Region })},
	{"LABGATE_IDENTITY_CLIENT_ID", str(func(c *Config) *string { return &c.Identity.ClientID })},
	{"LABGATE_IDENTITY_CLIENT_SECRET", str(func(c *Config) *string { return &c.Identity.ClientSecret })},
	{"LABGATE_IDENTITY_DOMAIN", str(func(c *Config) *string { return &c.Identity.Domain })},
	{"LABGATE_IDENTITY_REGION", str(func(c *Config) *string { return &c.Identity.Region })},
	{"LABGATE_IDENTITY_USER_POOL_ID", str(func(c *Config) *string { return &c.Identity.UserPoolID })},
	{"LABGATE_IDENTITY_REDIRECT_URL", str(func(c *Config) *string { return &c.Identity.RedirectURL })},
	{"LABGATE_IDENTITY_REFRESH_MARGIN", dur(func(c *Config) *time.Duration { return &c.Identity.RefreshMargin })},
	{"LABGATE_SESSION_SIGNING_KEY", str(func(c *Config) *string { return &c.Session.SigningKey })},
	{"LABGATE_SESSION_STORE_PATH", str(func(c *Config) *string { return &c.Session.StorePath })},
	{"LABGATE_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LABGATE_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"LABGATE_TELEMETRY_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = v != ""
		return nil
	}},
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", b.name, err)
		}
	}
	return nil
}

// Validate returns an error naming the first missing or invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Backend.BaseURL == "":
		return fmt.Errorf("backend.base_url is required")
	case c.Session.SigningKey == "":
		return fmt.Errorf("session.signing_key is required")
	case len(c.Session.SigningKey) < 32:
		return fmt.Errorf("session.signing_key must be at least 32 bytes")
	case c.Backend.ELNTimeout <= 0:
		return fmt.Errorf("backend.eln_timeout must be positive")
	case c.Identity.RefreshMargin < 0:
		return fmt.Errorf("identity.refresh_margin must not be negative")
	case c.Completion.RateLimit < 0:
		return fmt.Errorf("completion.rate_limit must not be negative")
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Identity.Scopes = append([]string(nil), c.Identity.Scopes...)
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Identity.ClientSecret = mask(c.Identity.ClientSecret)
	out.Session.SigningKey = mask(c.Session.SigningKey)
	out.Completion.APIKey = mask(c.Completion.APIKey)
	return &out
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
