// Package config provides configuration types for the gateway.
//
// The gateway is stateless: everything here is immutable process-wide
// configuration — the route table inputs, cookie policy, allowed origins,
// and rate limits. There is no persistence layer to configure.
package config

import "github.com/spf13/viper"

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstreams configures the backend service base URLs.
	Upstreams UpstreamsConfig `yaml:"upstreams" mapstructure:"upstreams"`

	// Cookies configures the browser session cookie policy.
	Cookies CookieConfig `yaml:"cookies" mapstructure:"cookies"`

	// Security configures CSRF origins and token handling.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// RateLimit configures the per-request admission check.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// DevMode enables development conveniences (debug logging, localhost
	// origins). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is intentionally absent — terminate TLS in front of the gateway.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// UpstreamsConfig holds the base URLs of the backend services the gateway
// proxies to, plus the shared outbound HTTP timeout.
type UpstreamsConfig struct {
	// Auth is the authorization service base URL (login, refresh, members).
	Auth string `yaml:"auth" mapstructure:"auth" validate:"required,url"`

	// Experiments is the domain data service base URL.
	Experiments string `yaml:"experiments" mapstructure:"experiments" validate:"required,url"`

	// Telemetry is the telemetry ingest service base URL.
	Telemetry string `yaml:"telemetry" mapstructure:"telemetry" validate:"required,url"`

	// Timeout is the timeout for ordinary proxied calls (e.g. "30s").
	// Streaming routes are exempt. Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// CookieConfig configures the session cookies held by the browser.
// Access and refresh cookies are HttpOnly; the CSRF cookie is readable by
// script so it can be echoed in the CSRF header (double-submit defense).
type CookieConfig struct {
	// AccessName is the access token cookie name. Defaults to "access_token".
	AccessName string `yaml:"access_name" mapstructure:"access_name"`

	// RefreshName is the refresh token cookie name. Defaults to "refresh_token".
	RefreshName string `yaml:"refresh_name" mapstructure:"refresh_name"`

	// CSRFName is the CSRF token cookie name. Defaults to "csrf_token".
	CSRFName string `yaml:"csrf_name" mapstructure:"csrf_name"`

	// Path is the cookie path. Defaults to "/".
	Path string `yaml:"path" mapstructure:"path"`

	// Secure marks the cookies Secure. Defaults to false for local setups;
	// set true behind HTTPS.
	Secure bool `yaml:"secure" mapstructure:"secure"`

	// SameSite is the SameSite attribute: "lax", "strict" or "none".
	// Defaults to "lax".
	SameSite string `yaml:"same_site" mapstructure:"same_site" validate:"omitempty,oneof=lax strict none"`

	// AccessTTL is the access cookie lifetime used when the upstream token
	// response carries no expiry (e.g. "15m"). Defaults to "15m".
	AccessTTL string `yaml:"access_ttl" mapstructure:"access_ttl" validate:"omitempty"`

	// RefreshTTL is the refresh cookie lifetime (e.g. "720h"). Defaults to "720h".
	RefreshTTL string `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"omitempty"`
}

// SecurityConfig configures CSRF and token-handling policy.
type SecurityConfig struct {
	// AllowedOrigins is the exact-match Origin allowlist for state-changing
	// cookie-authenticated requests. Required unless dev_mode is set.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,origin"`

	// CSRFHeader is the client-supplied CSRF header name.
	// Defaults to "X-CSRF-Token".
	CSRFHeader string `yaml:"csrf_header" mapstructure:"csrf_header"`

	// TokenSkew shrinks the access token's remaining lifetime when deciding
	// whether to refresh it before forwarding (e.g. "30s"). Defaults to "30s".
	TokenSkew string `yaml:"token_skew" mapstructure:"token_skew" validate:"omitempty"`

	// AllowUnverifiedProjectRole lets the gateway forward a permissive
	// project role when role resolution was never attempted. This exists for
	// legacy and local-testing callers only; a caller-supplied
	// X-Project-Role is forwarded regardless. Default false.
	AllowUnverifiedProjectRole bool `yaml:"allow_unverified_project_role" mapstructure:"allow_unverified_project_role"`

	// UnverifiedProjectRole is the role forwarded when
	// AllowUnverifiedProjectRole is set. Defaults to "owner".
	UnverifiedProjectRole string `yaml:"unverified_project_role" mapstructure:"unverified_project_role"`
}

// RateLimitConfig configures the admission check.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per client IP.
	// Defaults to 100 when rate limiting is enabled.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// UserRate is the maximum requests per minute per authenticated subject.
	// Defaults to 1000 when rate limiting is enabled.
	UserRate int `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`

	// CleanupInterval is how often idle limiter keys are swept (e.g. "5m").
	// Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`

	// MaxTTL is the idle age at which a limiter key is dropped (e.g. "1h").
	// Defaults to "1h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless explicitly opened up.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Upstreams.Timeout == "" {
		c.Upstreams.Timeout = "30s"
	}

	if c.Cookies.AccessName == "" {
		c.Cookies.AccessName = "access_token"
	}
	if c.Cookies.RefreshName == "" {
		c.Cookies.RefreshName = "refresh_token"
	}
	if c.Cookies.CSRFName == "" {
		c.Cookies.CSRFName = "csrf_token"
	}
	if c.Cookies.Path == "" {
		c.Cookies.Path = "/"
	}
	if c.Cookies.SameSite == "" {
		c.Cookies.SameSite = "lax"
	}
	if c.Cookies.AccessTTL == "" {
		c.Cookies.AccessTTL = "15m"
	}
	if c.Cookies.RefreshTTL == "" {
		c.Cookies.RefreshTTL = "720h"
	}

	if c.Security.CSRFHeader == "" {
		c.Security.CSRFHeader = "X-CSRF-Token"
	}
	if c.Security.TokenSkew == "" {
		c.Security.TokenSkew = "30s"
	}
	if c.Security.UnverifiedProjectRole == "" {
		c.Security.UnverifiedProjectRole = "owner"
	}

	// Rate limit defaults — enabled by default.
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 100
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Security.AllowedOrigins) == 0 {
		c.Security.AllowedOrigins = []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		}
	}
	if c.Upstreams.Auth == "" {
		c.Upstreams.Auth = "http://localhost:8001"
	}
	if c.Upstreams.Experiments == "" {
		c.Upstreams.Experiments = "http://localhost:8002"
	}
	if c.Upstreams.Telemetry == "" {
		c.Upstreams.Telemetry = "http://localhost:8003"
	}
}
