// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"strings"
	"time"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Address == "" {
		add("server.address is required")
	}
	for name, path := range map[string]string{
		"server.loginPath":    c.Server.Routes.LoginPath,
		"server.launchPath":   c.Server.Routes.LaunchPath,
		"server.keysPath":     c.Server.Routes.KeysPath,
		"server.registerPath": c.Server.Routes.RegisterPath,
		"server.healthPath":   c.Server.Routes.HealthPath,
	} {
		if path != "" && !strings.HasPrefix(path, "/") {
			add("%s %q must start with /", name, path)
		}
	}

	for name, raw := range map[string]string{
		"tool.loginUrl":  c.Tool.LoginURL,
		"tool.launchUrl": c.Tool.LaunchURL,
		"tool.jwksUrl":   c.Tool.JWKSURL,
	} {
		if err := validateURL(raw); err != nil {
			add("%s: %w", name, err)
		}
	}
	if c.Tool.DeepLinkingURL != "" {
		if err := validateURL(c.Tool.DeepLinkingURL); err != nil {
			add("tool.deepLinkingUrl: %w", err)
		}
	}

	if err := c.Storage.Validate(); err != nil {
		add("storage: %w", err)
	}

	positive := map[string]time.Duration{
		"cookie.ttl":                 c.Cookie.TTL,
		"login.stateTTL":             c.Login.StateTTL,
		"launch.nonceTTL":            c.Launch.NonceTTL,
		"launch.jwksCacheTTL":        c.Launch.JWKSCacheTTL,
		"launch.jwksFetchTimeout":    c.Launch.JWKSFetchTimeout,
		"keys.rotationGrace":         c.Keys.RotationGrace,
		"accessToken.requestTimeout": c.AccessToken.RequestTimeout,
		"http.timeout":               c.HTTP.Timeout,
	}
	for name, v := range positive {
		if v <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Launch.ClockSkew < 0 {
		add("launch.clockSkew must not be negative")
	}
	if c.Launch.MaxTokenAge < 0 {
		add("launch.maxTokenAge must not be negative")
	}
	if c.AccessToken.RefreshMargin < 0 {
		add("accessToken.refreshMargin must not be negative")
	}
	if c.Keys.Size < 2048 {
		add("keys.size must be at least 2048, got %d", c.Keys.Size)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		add("rateLimit.requestsPerMinute must not be negative")
	}

	switch c.Cookie.SameSite {
	case "lax", "strict":
	case "none":
		if !c.Cookie.Secure {
			add("cookie.sameSite none requires cookie.secure")
		}
	default:
		add("cookie.sameSite must be one of lax, strict or none, got %q", c.Cookie.SameSite)
	}

	if err := c.Telemetry.Validate(); err != nil {
		add("%w", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q must be an absolute URL", raw)
	}
	return nil
}
