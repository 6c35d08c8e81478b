// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the tool's configuration file
// and the logic required to load and validate it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/accesstoken"
	"github.com/stacklok/ltitool/pkg/lti/keys"
	"github.com/stacklok/ltitool/pkg/lti/launch"
	"github.com/stacklok/ltitool/pkg/lti/login"
	"github.com/stacklok/ltitool/pkg/lti/registration"
	"github.com/stacklok/ltitool/pkg/lti/server"
	"github.com/stacklok/ltitool/pkg/lti/statestore"
	"github.com/stacklok/ltitool/pkg/networking"
	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/telemetry"
)

// Config represents the configuration of the tool.
type Config struct {
	Server      Server            `yaml:"server"`
	Tool        registration.Tool `yaml:"tool"`
	Cookie      Cookie            `yaml:"cookie"`
	Storage     storage.Config    `yaml:"storage"`
	Launch      Launch            `yaml:"launch"`
	Login       Login             `yaml:"login"`
	Keys        Keys              `yaml:"keys"`
	AccessToken AccessToken       `yaml:"accessToken"`
	HTTP        HTTP              `yaml:"http"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	RateLimit   RateLimit         `yaml:"rateLimit"`
}

// Server configures the listener and the route layout.
type Server struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout,omitempty"`
	Routes            server.Config `yaml:",inline"`
}

// Cookie shapes the login state cookie.
type Cookie struct {
	TTL      time.Duration `yaml:"ttl"`
	Secure   bool          `yaml:"secure"`
	SameSite string        `yaml:"sameSite"`
	Domain   string        `yaml:"domain,omitempty"`
	Path     string        `yaml:"path,omitempty"`
}

// Launch holds the launch validation windows.
type Launch struct {
	ClockSkew time.Duration `yaml:"clockSkew"`
	// MaxTokenAge bounds now - iat. Zero disables the check.
	MaxTokenAge      time.Duration `yaml:"maxTokenAge"`
	NonceTTL         time.Duration `yaml:"nonceTTL"`
	JWKSCacheTTL     time.Duration `yaml:"jwksCacheTTL"`
	JWKSFetchTimeout time.Duration `yaml:"jwksFetchTimeout"`
}

// Login configures the OIDC login initiation.
type Login struct {
	// RedirectURI is the registered launch endpoint. Empty uses
	// tool.launchUrl, the redirect URI dynamic registration sends.
	RedirectURI     string        `yaml:"redirectURI,omitempty"`
	StateTTL        time.Duration `yaml:"stateTTL"`
	AllowFirstMatch bool          `yaml:"allowFirstMatch,omitempty"`
}

// Keys configures tool key generation and rotation.
type Keys struct {
	Size          int           `yaml:"size"`
	RotationGrace time.Duration `yaml:"rotationGrace"`
}

// AccessToken configures the service token cache.
type AccessToken struct {
	RefreshMargin  time.Duration `yaml:"refreshMargin"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// HTTP configures the outbound client used for JWKS, token and
// registration calls.
type HTTP struct {
	Timeout         time.Duration `yaml:"timeout"`
	CABundle        string        `yaml:"caBundle,omitempty"`
	AllowPrivateIPs bool          `yaml:"allowPrivateIPs,omitempty"`
	// AllowLocalHTTP permits plain HTTP to localhost platforms.
	AllowLocalHTTP bool `yaml:"allowLocalHTTP,omitempty"`
}

// RateLimit bounds login and registration requests per client IP.
type RateLimit struct {
	// RequestsPerMinute of zero disables the limiter.
	RequestsPerMinute int `yaml:"requestsPerMinute"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Server: Server{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Routes:            server.DefaultConfig(),
		},
		Tool: registration.Tool{Name: "ltitool"},
		Cookie: Cookie{
			TTL:      login.DefaultCookieTTL,
			Secure:   true,
			SameSite: "none",
			Path:     "/",
		},
		Storage: storage.DefaultConfig(),
		Launch: Launch{
			ClockSkew:        launch.DefaultClockSkew,
			MaxTokenAge:      launch.DefaultMaxTokenAge,
			NonceTTL:         statestore.DefaultNonceTTL,
			JWKSCacheTTL:     launch.DefaultJWKSCacheTTL,
			JWKSFetchTimeout: launch.DefaultJWKSFetchTimeout,
		},
		Login: Login{StateTTL: statestore.DefaultStateTTL},
		Keys: Keys{
			Size:          keys.DefaultKeySize,
			RotationGrace: keys.DefaultRotationGrace,
		},
		AccessToken: AccessToken{
			RefreshMargin:  accesstoken.DefaultRefreshMargin,
			RequestTimeout: accesstoken.DefaultRequestTimeout,
		},
		HTTP:      HTTP{Timeout: networking.HttpTimeout},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// defaultPathGenerator generates the default config path using xdg
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("ltitool/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests
var getConfigPath = defaultPathGenerator

// Load reads the configuration file at path. An empty path uses the xdg
// config location and falls back to the defaults when no file exists there.
// The file is decoded over Default(), so omitted keys keep their defaults
// and explicit zero values are honored.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("unable to fetch config path: %w", err)
		}
	}

	cfg := Default()
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		logger.Debugw("loaded config file", "path", path)
	case !explicit && errors.Is(err, fs.ErrNotExist):
		logger.Debugw("no config file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HandlerConfig returns the route configuration for the HTTP server.
func (c *Config) HandlerConfig() server.Config {
	cfg := c.Server.Routes
	cfg.RequestsPerMinute = c.RateLimit.RequestsPerMinute
	cfg.MetricsPath = c.Telemetry.MetricsPath
	return cfg
}

// LoginConfig returns the login initiator settings.
func (c *Config) LoginConfig() login.Config {
	redirectURI := c.Login.RedirectURI
	if redirectURI == "" {
		redirectURI = c.Tool.LaunchURL
	}
	return login.Config{
		RedirectURI:     redirectURI,
		AllowFirstMatch: c.Login.AllowFirstMatch,
		Cookie: login.CookieConfig{
			TTL:      c.Cookie.TTL,
			Secure:   c.Cookie.Secure,
			SameSite: sameSiteModes[c.Cookie.SameSite],
			Domain:   c.Cookie.Domain,
			Path:     c.Cookie.Path,
		},
	}
}

// LaunchConfig returns the launch validator settings.
func (c *Config) LaunchConfig() launch.Config {
	return launch.Config{
		ClockSkew:   c.Launch.ClockSkew,
		MaxTokenAge: c.Launch.MaxTokenAge,
	}
}

// HTTPClient builds the outbound client.
func (c *Config) HTTPClient() (*http.Client, error) {
	return networking.NewHttpClientBuilder().
		WithTimeout(c.HTTP.Timeout).
		WithCABundle(c.HTTP.CABundle).
		WithPrivateIPs(c.HTTP.AllowPrivateIPs).
		WithLocalHTTP(c.HTTP.AllowLocalHTTP).
		Build()
}

var sameSiteModes = map[string]http.SameSite{
	"lax":    http.SameSiteLaxMode,
	"strict": http.SameSiteStrictMode,
	"none":   http.SameSiteNoneMode,
}
