// Package config handles configuration loading and validation.
//
// Values are layered in this order: TOML file, environment variables, CLI
// flags. Defaults fill whatever is still unset.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/marketplace-gateway/config.toml",
	"configs/config.toml",
}

// reservedPaths are mounted by the gateway itself and cannot be used by routes or metrics.
var reservedPaths = []string{"/api/auth", "/auth", "/healthz", "/gateway/status"}

// EnvProduction is the APP_ENV value that marks a production deployment.
const EnvProduction = "production"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"help='Upstream base URL (overrides config).'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Credential CredentialConfig `toml:"credential"`
	OAuth      OAuthConfig      `toml:"oauth"`
	Routes     []RouteConfig    `toml:"routes"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	Environment  string `toml:"environment" env:"APP_ENV"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL          string `toml:"base_url" env:"UPSTREAM_BASE_URL"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`
	LoginPath        string `toml:"login_path"`
}

// CredentialConfig controls the bearer credential cookie.
type CredentialConfig struct {
	CookieName    string `toml:"cookie_name" env:"AUTH_COOKIE_NAME"`
	MaxAgeSeconds int    `toml:"max_age_seconds" env:"AUTH_COOKIE_MAX_AGE"`
	TokenField    string `toml:"token_field"`
}

// OAuthConfig describes the authorization-code provider.
type OAuthConfig struct {
	Enabled         bool     `toml:"enabled"`
	ClientID        string   `toml:"client_id" env:"OAUTH_CLIENT_ID"`
	ClientSecret    string   `toml:"client_secret" env:"OAUTH_CLIENT_SECRET"`
	AuthURL         string   `toml:"auth_url"`
	TokenURL        string   `toml:"token_url"`
	RedirectURL     string   `toml:"redirect_url"`
	Scopes          []string `toml:"scopes"`
	LoginPath       string   `toml:"login_path"`
	SuccessRedirect string   `toml:"success_redirect"`
	// RequireState rejects callbacks that arrive without the state cookie
	// set by the gateway's own login redirect.
	RequireState bool `toml:"require_state"`
}

// RouteConfig maps a browser path prefix onto an upstream path prefix.
// Bearer and ForwardCookie are pointers so an omitted key defaults to true.
type RouteConfig struct {
	Prefix         string `toml:"prefix"`
	UpstreamPrefix string `toml:"upstream_prefix"`
	Bearer         *bool  `toml:"bearer"`
	ForwardCookie  *bool  `toml:"forward_cookie"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file, then applies environment and CLI
// overrides. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/marketplace-gateway/config.toml then configs/config.toml; if
// neither exists the gateway runs from environment and flags alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyEnv overrides tagged fields from the environment. Untagged and unset
// variables leave the file values alone.
func (c *Config) applyEnv() error {
	for _, target := range []any{&c.Server, &c.Upstream, &c.Credential, &c.OAuth} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS in production; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}
	if c.Credential.MaxAgeSeconds < 0 {
		return fmt.Errorf("credential.max_age_seconds must be non-negative; got %d", c.Credential.MaxAgeSeconds)
	}
	if p := c.Upstream.LoginPath; p != "" && p[0] != '/' {
		return fmt.Errorf("upstream.login_path must start with '/'; got %q", p)
	}

	if strings.ContainsAny(c.Credential.CookieName, " \t;,=\"") {
		return fmt.Errorf("credential.cookie_name contains invalid characters: %q", c.Credential.CookieName)
	}

	if c.OAuth.Enabled {
		switch {
		case c.OAuth.ClientID == "":
			return fmt.Errorf("oauth.client_id is required when oauth is enabled")
		case c.OAuth.AuthURL == "":
			return fmt.Errorf("oauth.auth_url is required when oauth is enabled")
		case c.OAuth.TokenURL == "":
			return fmt.Errorf("oauth.token_url is required when oauth is enabled")
		case c.OAuth.RedirectURL == "":
			return fmt.Errorf("oauth.redirect_url is required when oauth is enabled")
		}
	}

	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if r.UpstreamPrefix != "" && r.UpstreamPrefix[0] != '/' {
			return fmt.Errorf("routes[%d].upstream_prefix must start with '/'; got %q", i, r.UpstreamPrefix)
		}
		for _, reserved := range reservedPaths {
			if r.Prefix == reserved || strings.HasPrefix(r.Prefix, reserved+"/") {
				return fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append(reservedPaths, c.routePrefixes()...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 10 * 1024 * 1024
	}
	if c.Upstream.LoginPath == "" {
		c.Upstream.LoginPath = "/auth/login"
	}
	if c.Credential.CookieName == "" {
		c.Credential.CookieName = "access_token"
	}
	if c.Credential.MaxAgeSeconds == 0 {
		c.Credential.MaxAgeSeconds = 3600
	}
	if c.Credential.TokenField == "" {
		c.Credential.TokenField = "access_token"
	}
	if c.OAuth.LoginPath == "" {
		c.OAuth.LoginPath = "/login"
	}
	if c.OAuth.SuccessRedirect == "" {
		c.OAuth.SuccessRedirect = "/"
	}
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{{Prefix: "/api"}}
	}
	for i := range c.Routes {
		c.Routes[i].Prefix = strings.TrimRight(c.Routes[i].Prefix, "/")
		c.Routes[i].UpstreamPrefix = strings.TrimRight(c.Routes[i].UpstreamPrefix, "/")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) routePrefixes() []string {
	if len(c.Routes) == 0 {
		return []string{"/api"}
	}
	out := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		out = append(out, r.Prefix)
	}
	return out
}

// IsProduction reports whether the gateway runs in production mode, which
// turns on the Secure cookie attribute.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, EnvProduction)
}

// UsesBearer reports whether the route attaches the bearer token (default true).
func (r RouteConfig) UsesBearer() bool {
	return r.Bearer == nil || *r.Bearer
}

// ForwardsCookie reports whether the route forwards the browser cookie (default true).
func (r RouteConfig) ForwardsCookie() bool {
	return r.ForwardCookie == nil || *r.ForwardCookie
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
