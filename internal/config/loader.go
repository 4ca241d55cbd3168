// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for gateway.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("gateway")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GATEWAY_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gateway config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gateway"),
		"/etc/gateway",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gateway"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides. Example: GATEWAY_UPSTREAMS_AUTH overrides upstreams.auth.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("upstreams.auth")
	_ = viper.BindEnv("upstreams.experiments")
	_ = viper.BindEnv("upstreams.telemetry")
	_ = viper.BindEnv("upstreams.timeout")

	_ = viper.BindEnv("cookies.access_name")
	_ = viper.BindEnv("cookies.refresh_name")
	_ = viper.BindEnv("cookies.csrf_name")
	_ = viper.BindEnv("cookies.path")
	_ = viper.BindEnv("cookies.secure")
	_ = viper.BindEnv("cookies.same_site")
	_ = viper.BindEnv("cookies.access_ttl")
	_ = viper.BindEnv("cookies.refresh_ttl")

	// security.allowed_origins is a list; use the config file for it.
	_ = viper.BindEnv("security.csrf_header")
	_ = viper.BindEnv("security.token_skew")
	_ = viper.BindEnv("security.allow_unverified_project_role")
	_ = viper.BindEnv("security.unverified_project_role")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.ip_rate")
	_ = viper.BindEnv("rate_limit.user_rate")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates the result.
// Note: callers that override DevMode from CLI flags should use
// LoadConfigRaw, apply the flag, then call SetDevDefaults and Validate.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found — continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
