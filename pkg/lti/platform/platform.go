// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package platform holds the registry of LMS platforms trusted by the tool.
package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/networking"
)

// AuthMethod says how a platform's id-token signing key is obtained.
type AuthMethod string

const (
	// AuthMethodJWKSet fetches keys from the platform's JWKS URL.
	AuthMethodJWKSet AuthMethod = "JWK_SET"
	// AuthMethodRSAKey uses a pre-shared PEM public key.
	AuthMethodRSAKey AuthMethod = "RSA_KEY"
)

// AuthConfig locates the platform's signing key. Key is a JWKS URL for
// AuthMethodJWKSet and a PEM public key for AuthMethodRSAKey.
type AuthConfig struct {
	Method AuthMethod `json:"method" yaml:"method"`
	Key    string     `json:"key" yaml:"key"`
}

// Platform is a registered LMS.
type Platform struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	ClientID      string     `json:"clientId"`
	Name          string     `json:"name"`
	AuthEndpoint  string     `json:"authEndpoint"`
	TokenEndpoint string     `json:"accesstokenEndpoint"`
	AuthConfig    AuthConfig `json:"authConfig"`
	DeploymentIDs []string   `json:"deploymentIds,omitempty"`
	KeyID         string     `json:"kid"`
	CreatedAt     time.Time  `json:"createdAt"`

	// Active is stored in the platformStatus set, not with the record.
	Active bool `json:"-"`
}

// HasDeployment reports whether deploymentID is accepted. A platform with no
// declared deployments accepts any.
func (p *Platform) HasDeployment(deploymentID string) bool {
	return len(p.DeploymentIDs) == 0 || slices.Contains(p.DeploymentIDs, deploymentID)
}

// Spec is the input to Registry.Register.
type Spec struct {
	URL           string     `json:"url" yaml:"url"`
	ClientID      string     `json:"clientId" yaml:"clientId"`
	Name          string     `json:"name" yaml:"name"`
	AuthEndpoint  string     `json:"authEndpoint" yaml:"authEndpoint"`
	TokenEndpoint string     `json:"accesstokenEndpoint" yaml:"accesstokenEndpoint"`
	AuthConfig    AuthConfig `json:"authConfig" yaml:"authConfig"`
	DeploymentIDs []string   `json:"deploymentIds,omitempty" yaml:"deploymentIds,omitempty"`
	Active        bool       `json:"active,omitempty" yaml:"active,omitempty"`
}

// Validate checks that the spec describes a usable platform.
func (s *Spec) Validate() error {
	if s.URL == "" || s.ClientID == "" {
		return lterrors.New(lterrors.KindInvalidPlatformConfig, "platform url and clientId are required")
	}
	if s.Name == "" {
		return lterrors.New(lterrors.KindInvalidPlatformConfig, "platform name is required")
	}
	endpoints := []struct{ field, raw string }{
		{"url", s.URL},
		{"authEndpoint", s.AuthEndpoint},
		{"accesstokenEndpoint", s.TokenEndpoint},
	}
	for _, ep := range endpoints {
		if _, err := networking.ValidateEndpointURL(ep.raw, true); err != nil {
			return lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "invalid platform "+ep.field, err)
		}
	}
	return s.AuthConfig.validate()
}

func (c AuthConfig) validate() error {
	switch c.Method {
	case AuthMethodJWKSet:
		if _, err := networking.ValidateEndpointURL(c.Key, true); err != nil {
			return lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "invalid platform JWKS URL", err)
		}
	case AuthMethodRSAKey:
		if c.Key == "" {
			return lterrors.New(lterrors.KindInvalidPlatformConfig, "platform RSA key is required")
		}
	default:
		return lterrors.Newf(lterrors.KindInvalidPlatformConfig, "unsupported auth method %q", c.Method)
	}
	return nil
}

// ID derives the identifier of the platform registered as (url, clientID).
// The registry keys records by it, so the storage layer enforces uniqueness.
func ID(url, clientID string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s", url, clientID))
	return hex.EncodeToString(sum[:12])
}

// Update changes mutable platform fields. Nil fields are left unchanged.
type Update struct {
	Name          *string
	AuthEndpoint  *string
	TokenEndpoint *string
	AuthConfig    *AuthConfig
	DeploymentIDs []string
}
