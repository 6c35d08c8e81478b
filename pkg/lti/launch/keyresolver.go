// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/networking"
)

const (
	// DefaultJWKSCacheTTL is how long a fetched key set is trusted.
	DefaultJWKSCacheTTL = 5 * time.Minute

	// DefaultJWKSFetchTimeout bounds a single JWKS fetch.
	DefaultJWKSFetchTimeout = 10 * time.Second

	// minRefreshInterval limits kid-miss refreshes, so tokens with made-up
	// kids cannot drive a fetch per request.
	minRefreshInterval = 5 * time.Second
)

// KeyResolver returns the platform public key that verifies a token.
type KeyResolver interface {
	Key(ctx context.Context, p *platform.Platform, kid string) (*rsa.PublicKey, error)
}

// PlatformKeyResolver resolves keys by the platform's auth method: a cached
// JWKS for JWK_SET and the configured PEM for RSA_KEY.
type PlatformKeyResolver struct {
	jwks *JWKSCache
}

var _ KeyResolver = (*PlatformKeyResolver)(nil)

// NewPlatformKeyResolver creates a resolver backed by jwks.
func NewPlatformKeyResolver(jwks *JWKSCache) *PlatformKeyResolver {
	return &PlatformKeyResolver{jwks: jwks}
}

// Key implements KeyResolver.
func (r *PlatformKeyResolver) Key(ctx context.Context, p *platform.Platform, kid string) (*rsa.PublicKey, error) {
	switch p.AuthConfig.Method {
	case platform.AuthMethodJWKSet:
		return r.jwks.Key(ctx, p.AuthConfig.Key, kid)
	case platform.AuthMethodRSAKey:
		return ParseRSAPublicKey(p.AuthConfig.Key)
	default:
		return nil, lterrors.Newf(lterrors.KindInvalidPlatformConfig, "platform %s has unsupported auth method %q", p.ID, p.AuthConfig.Method)
	}
}

// ParseRSAPublicKey parses a PEM encoded PKIX or PKCS#1 RSA public key.
func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, lterrors.New(lterrors.KindInvalidPlatformConfig, "platform RSA key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "failed to parse platform RSA key", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, lterrors.Newf(lterrors.KindInvalidPlatformConfig, "platform key is %T, not RSA", parsed)
	}
	return key, nil
}

type cachedSet struct {
	set       jwk.Set
	fetchedAt time.Time
}

// JWKSCache fetches and caches platform key sets by URL. A kid that is not in
// the cached set triggers one refresh, and concurrent fetches of the same URL
// share a single request.
type JWKSCache struct {
	client  networking.HTTPClient
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	sets  map[string]cachedSet
	group singleflight.Group
}

// JWKSOption configures a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSCacheTTL overrides DefaultJWKSCacheTTL.
func WithJWKSCacheTTL(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithJWKSFetchTimeout overrides DefaultJWKSFetchTimeout.
func WithJWKSFetchTimeout(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithJWKSClock overrides the time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		c.now = now
	}
}

// NewJWKSCache creates a cache fetching through client.
func NewJWKSCache(client networking.HTTPClient, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		client:  client,
		ttl:     DefaultJWKSCacheTTL,
		timeout: DefaultJWKSFetchTimeout,
		now:     time.Now,
		sets:    make(map[string]cachedSet),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the RSA key kid from the set at jwksURL. An empty kid matches
// only a set holding exactly one key.
func (c *JWKSCache) Key(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	cached, ok := c.cached(jwksURL)
	now := c.now()

	if !ok || now.Sub(cached.fetchedAt) >= c.ttl {
		fresh, err := c.refresh(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		return lookupKey(fresh.set, kid)
	}

	key, err := lookupKey(cached.set, kid)
	if err == nil || !errors.Is(err, &lterrors.Error{Kind: lterrors.KindInvalidToken, Reason: lterrors.ReasonUnknownKID}) {
		return key, err
	}
	if now.Sub(cached.fetchedAt) < minRefreshInterval {
		return nil, err
	}

	logger.Debugw("kid not in cached JWKS, refreshing", "jwks_url", jwksURL, "kid", kid)
	fresh, err := c.refresh(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	return lookupKey(fresh.set, kid)
}

func (c *JWKSCache) cached(jwksURL string) (cachedSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.sets[jwksURL]
	return cs, ok
}

// Invalidate drops the cached set for jwksURL.
func (c *JWKSCache) Invalidate(jwksURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, jwksURL)
}

func (c *JWKSCache) refresh(ctx context.Context, jwksURL string) (cachedSet, error) {
	v, err, _ := c.group.Do(jwksURL, func() (any, error) {
		// The fetch is shared, so one caller's cancellation must not fail
		// the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		body, err := networking.FetchBytes(fetchCtx, c.client, jwksURL,
			networking.WithHeader("Accept", "application/jwk-set+json, application/json"),
			networking.WithoutContentTypeValidation())
		if err != nil {
			return nil, err
		}
		set, err := jwk.Parse(body)
		if err != nil {
			return nil, err
		}

		cs := cachedSet{set: set, fetchedAt: c.now()}
		c.mu.Lock()
		c.sets[jwksURL] = cs
		c.mu.Unlock()
		return cs, nil
	})
	if err != nil {
		logger.Warnw("failed to fetch platform JWKS", "jwks_url", jwksURL, "error", err)
		return cachedSet{}, lterrors.InvalidToken(lterrors.ReasonJWKSFetchFailed, "failed to fetch platform JWKS", err)
	}
	return v.(cachedSet), nil
}

func lookupKey(set jwk.Set, kid string) (*rsa.PublicKey, error) {
	var key jwk.Key
	if kid == "" {
		if set.Len() != 1 {
			return nil, lterrors.InvalidToken(lterrors.ReasonUnknownKID, "token has no kid and the JWKS holds several keys", nil)
		}
		k, ok := set.Key(0)
		if !ok {
			return nil, lterrors.InvalidToken(lterrors.ReasonUnknownKID, "JWKS is empty", nil)
		}
		key = k
	} else {
		k, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, lterrors.InvalidToken(lterrors.ReasonUnknownKID, "kid "+kid+" not found in platform JWKS", nil)
		}
		key = k
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, lterrors.InvalidToken(lterrors.ReasonUnknownKID, "failed to export platform key", err)
	}
	switch pub := raw.(type) {
	case *rsa.PublicKey:
		return pub, nil
	case rsa.PublicKey:
		return &pub, nil
	default:
		return nil, lterrors.InvalidToken(lterrors.ReasonInvalidAlgorithm, "platform key is not RSA", nil)
	}
}
