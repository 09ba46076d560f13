// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the gateway-side settings. All fields can come from a config
// file, environment variables with the EVERYAPP_ prefix, or both, the
// environment winning.
type Config struct {
	// IssuerURL is the iss claim stamped into every session token and the
	// base URL the JWKS endpoint is served under.
	IssuerURL string `mapstructure:"issuer_url"`
	// SigningKeyPEM is the RSA private key in PEM form. When it arrives via
	// an environment variable the newlines are usually escaped; Load
	// unescapes them.
	SigningKeyPEM string `mapstructure:"signing_key_pem"`
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr"`
	// DatabasePath is the sqlite file backing the user app store.
	DatabasePath string `mapstructure:"database_path"`
	// AllowedOrigins are the browser origins permitted by CORS and the
	// websocket upgrade check.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TokenTTL overrides the session token lifetime. Zero keeps the default.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// LoadConfig reads configuration from the optional file at path (empty path
// skips the file) and from EVERYAPP_* environment variables, then validates
// the result. Validation failures are ConfigErrors: configuration problems
// surface at startup, not on the first request.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVERYAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so env-only keys need an
	// explicit binding.
	for _, key := range []string{"issuer_url", "signing_key_pem", "listen_addr", "database_path", "allowed_origins", "token_ttl"} {
		_ = v.BindEnv(key)
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "apps.db")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewConfigError("config file", err.Error())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, NewConfigError("config", err.Error())
	}

	// PEM keys passed through env vars commonly carry literal \n sequences.
	cfg.SigningKeyPEM = strings.ReplaceAll(cfg.SigningKeyPEM, `\n`, "\n")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return NewConfigError("issuer_url", "issuer URL is required")
	}
	if u, err := url.Parse(c.IssuerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigError("issuer_url", "issuer URL must be an absolute URL")
	}
	if c.SigningKeyPEM == "" {
		return NewConfigError("signing_key_pem", "signing key is required")
	}
	if !strings.Contains(c.SigningKeyPEM, "-----BEGIN") {
		return NewConfigError("signing_key_pem", "signing key is not PEM encoded")
	}
	if c.ListenAddr == "" {
		return NewConfigError("listen_addr", "listen address is required")
	}
	if c.TokenTTL < 0 {
		return NewConfigError("token_ttl", "token TTL must not be negative")
	}
	for _, origin := range c.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return NewConfigError("allowed_origins", "origin must be scheme://host[:port]: "+origin)
		}
	}
	return nil
}
