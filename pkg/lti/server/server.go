// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the tool's LTI endpoints over HTTP: OIDC login,
// launch, the tool JWKS, dynamic registration, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/ltitool/pkg/lti/launch"
	"github.com/stacklok/ltitool/pkg/lti/login"
	"github.com/stacklok/ltitool/pkg/lti/registration"
	"github.com/stacklok/ltitool/pkg/telemetry"
)

// DefaultMaxBodyBytes caps login and launch form posts.
const DefaultMaxBodyBytes = 64 << 10

// Config locates the routes and sets request limits.
type Config struct {
	LoginPath    string `yaml:"loginPath,omitempty"`
	LaunchPath   string `yaml:"launchPath,omitempty"`
	KeysPath     string `yaml:"keysPath,omitempty"`
	RegisterPath string `yaml:"registerPath,omitempty"`
	HealthPath   string `yaml:"healthPath,omitempty"`
	MetricsPath  string `yaml:"-"`

	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty"`

	// RequestsPerMinute limits /login and /register per client IP. Zero
	// disables the limiter.
	RequestsPerMinute int `yaml:"-"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders,omitempty"`

	// RequestTimeout bounds each request. Zero disables the timeout.
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
}

// DefaultConfig returns the conventional route layout.
func DefaultConfig() Config {
	return Config{
		LoginPath:      "/login",
		LaunchPath:     "/launch",
		KeysPath:       "/keys",
		RegisterPath:   "/register",
		HealthPath:     "/healthz",
		MetricsPath:    "/metrics",
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RequestTimeout: 30 * time.Second,
	}
}

// LoginInitiator starts OIDC logins.
type LoginInitiator interface {
	Initiate(ctx context.Context, req login.Request) (*login.Redirect, error)
	ExpireStateCookie(state string) *http.Cookie
}

// LaunchValidator validates launches.
type LaunchValidator interface {
	Validate(ctx context.Context, req launch.Request) (*launch.Context, error)
}

// KeySet publishes the tool's public keys.
type KeySet interface {
	PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// Registrar runs dynamic registrations.
type Registrar interface {
	Register(ctx context.Context, configURL, registrationToken string, overrides *registration.Tool) (string, error)
}

// Components are the LTI services behind the routes. Registrar may be nil,
// in which case the register route is not mounted.
type Components struct {
	Login     LoginInitiator
	Launch    LaunchValidator
	Keys      KeySet
	Registrar Registrar
}

// Callbacks hand control to the hosting application. Nil callbacks use the
// defaults: OnLaunch writes the launch context as JSON and the others write
// the error envelope.
type Callbacks struct {
	OnLaunch               func(w http.ResponseWriter, r *http.Request, lc *launch.Context)
	OnInvalidToken         func(w http.ResponseWriter, r *http.Request, err error)
	OnUnregisteredPlatform func(w http.ResponseWriter, r *http.Request, err error)
	OnInactivePlatform     func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler serves the LTI routes.
type Handler struct {
	cfg            Config
	c              Components
	callbacks      Callbacks
	metrics        *telemetry.Metrics
	metricsHandler http.Handler
	health         func(context.Context) error
	limiter        *rateLimiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithCallbacks installs application callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(h *Handler) {
		h.callbacks = cb
	}
}

// WithMetrics records flow metrics and, when handler is non-nil, mounts it
// on the metrics path.
func WithMetrics(m *telemetry.Metrics, handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
		h.metricsHandler = handler
	}
}

// WithHealthCheck makes the health route report check failures as 503.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// NewHandler creates a Handler. Empty paths in cfg take their defaults.
func NewHandler(cfg Config, c Components, opts ...Option) *Handler {
	defaults := DefaultConfig()
	setDefault(&cfg.LoginPath, defaults.LoginPath)
	setDefault(&cfg.LaunchPath, defaults.LaunchPath)
	setDefault(&cfg.KeysPath, defaults.KeysPath)
	setDefault(&cfg.RegisterPath, defaults.RegisterPath)
	setDefault(&cfg.HealthPath, defaults.HealthPath)
	setDefault(&cfg.MetricsPath, defaults.MetricsPath)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	h := &Handler{cfg: cfg, c: c, limiter: newRateLimiter(cfg.RequestsPerMinute, time.Now)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func setDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// Routes returns the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if h.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(h.cfg.RequestTimeout))
	}
	r.Use(bodyLimit(h.cfg.MaxBodyBytes))

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.middleware)
		r.Get(h.cfg.LoginPath, h.handleLogin)
		r.Post(h.cfg.LoginPath, h.handleLogin)
		if h.c.Registrar != nil {
			r.Get(h.cfg.RegisterPath, h.handleRegister)
		}
	})
	r.Post(h.cfg.LaunchPath, h.handleLaunch)
	r.Get(h.cfg.KeysPath, h.handleKeys)
	r.Get(h.cfg.HealthPath, h.handleHealth)
	if h.metricsHandler != nil {
		r.Method(http.MethodGet, h.cfg.MetricsPath, h.metricsHandler)
	}
	return r
}

func bodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
