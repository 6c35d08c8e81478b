// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package accesstoken obtains and caches OAuth2 bearer tokens for calling
// platform services (grades, rosters) with a signed client assertion.
package accesstoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/storage"
)

const (
	// DefaultRefreshMargin treats a token as expired this long before its
	// real expiry.
	DefaultRefreshMargin = 30 * time.Second

	// DefaultTokenLifetime applies when the platform omits expires_in.
	DefaultTokenLifetime = time.Hour

	// AssertionLifetime is the exp of client assertions.
	AssertionLifetime = 5 * time.Minute

	// DefaultRequestTimeout bounds a single token request.
	DefaultRequestTimeout = 30 * time.Second

	tracerName = "github.com/stacklok/ltitool/pkg/lti/accesstoken"
)

// Token is a bearer token for a platform's services.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"-"`
}

type storedToken struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Cache hands out tokens per (platform url, client id, scopes).
type Cache struct {
	repo          storage.Repository
	signer        Signer
	client        *http.Client
	now           func() time.Time
	refreshMargin time.Duration
	timeout       time.Duration
	group         singleflight.Group
	tracer        trace.Tracer
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.refreshMargin = d
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCache creates a Cache. client carries token requests; a nil client uses
// http.DefaultClient.
func NewCache(repo storage.Repository, signer Signer, client *http.Client, opts ...Option) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Cache{
		repo:          repo,
		signer:        signer,
		client:        client,
		now:           time.Now,
		refreshMargin: DefaultRefreshMargin,
		timeout:       DefaultRequestTimeout,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeScopes trims, splits, deduplicates and sorts scopes into the
// space-separated form used as the cache key and sent to the platform.
func NormalizeScopes(scopes []string) string {
	var out []string
	for _, s := range scopes {
		out = append(out, strings.Fields(s)...)
	}
	slices.Sort(out)
	return strings.Join(slices.Compact(out), " ")
}

func cacheKey(platformURL, clientID, scopes string) string {
	sum := sha256.Sum256([]byte(platformURL + "\x00" + clientID + "\x00" + scopes))
	return hex.EncodeToString(sum[:])
}

// Token returns a cached token or requests a new one. Concurrent misses for
// the same key share a single request. Failures are not retried.
func (c *Cache) Token(ctx context.Context, p *platform.Platform, scopes []string) (*Token, error) {
	normalized := NormalizeScopes(scopes)
	key := cacheKey(p.URL, p.ClientID, normalized)

	if tok, ok, err := c.cached(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// The request is shared, so one caller's cancellation must not fail
		// the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		// Another caller may have filled the cache while this one waited.
		if tok, ok, err := c.cached(fetchCtx, key); err != nil || ok {
			return tok, err
		}
		return c.fetch(fetchCtx, p, normalized, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// Invalidate drops every cached token of a platform registration, for
// callers that saw a service reject one.
func (c *Cache) Invalidate(ctx context.Context, p *platform.Platform) error {
	_, err := c.repo.Delete(ctx, storage.SetAccessToken,
		storage.Where("platformUrl", p.URL).And("clientId", p.ClientID))
	if err != nil {
		return fmt.Errorf("failed to invalidate access tokens: %w", err)
	}
	return nil
}

func (c *Cache) cached(ctx context.Context, key string) (*Token, bool, error) {
	rec, err := storage.GetOne(ctx, c.repo, storage.SetAccessToken, storage.ByKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached access token: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(rec.Value, &st); err != nil {
		// Treat an unreadable entry as a miss; it is overwritten below.
		logger.Warnw("discarding unreadable cached access token", "error", err)
		return nil, false, nil
	}
	now := c.now()
	if !now.Add(c.refreshMargin).Before(st.ExpiresAt) {
		return nil, false, nil
	}
	return st.token(now), true, nil
}

func (st storedToken) token(now time.Time) *Token {
	return &Token{
		AccessToken: st.AccessToken,
		TokenType:   st.TokenType,
		Scope:       st.Scope,
		ExpiresIn:   int64(st.ExpiresAt.Sub(now) / time.Second),
		ExpiresAt:   st.ExpiresAt,
	}
}

func (c *Cache) fetch(ctx context.Context, p *platform.Platform, scopes, key string) (*Token, error) {
	ctx, span := c.tracer.Start(ctx, "lti.accesstoken.fetch",
		trace.WithAttributes(attribute.String("lti.issuer", p.URL), attribute.String("lti.scopes", scopes)))
	defer span.End()

	tok, err := c.request(ctx, p, scopes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		return nil, err
	}

	// A token that is already past its expiry is returned but not cached.
	if !tok.ExpiresAt.After(c.now()) {
		return tok, nil
	}

	value, err := json.Marshal(storedToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scope:       tok.Scope,
		ExpiresAt:   tok.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}
	if _, err := c.repo.Delete(ctx, storage.SetAccessToken, storage.ByKey(key)); err != nil {
		return nil, fmt.Errorf("failed to replace cached access token: %w", err)
	}
	err = c.repo.Insert(ctx, storage.SetAccessToken, storage.Record{
		Key:       key,
		Index:     map[string]string{"platformUrl": p.URL, "clientId": p.ClientID},
		Value:     value,
		ExpiresAt: tok.ExpiresAt,
	})
	// Another process stored a token first; ours is just as good to return.
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to cache access token: %w", err)
	}
	return tok, nil
}

func (c *Cache) request(ctx context.Context, p *platform.Platform, scopes string) (*Token, error) {
	now := c.now()
	assertion, err := c.signer.SignForPlatform(ctx, p.URL, p.ClientID, jwt.RegisteredClaims{
		Issuer:    p.ClientID,
		Subject:   p.ClientID,
		Audience:  jwt.ClaimStrings{p.TokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionLifetime)),
		ID:        uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign client assertion: %w", err)
	}

	cfg := clientcredentials.Config{
		ClientID:  p.ClientID,
		TokenURL:  p.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {lti.ClientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	if scopes != "" {
		cfg.Scopes = strings.Split(scopes, " ")
	}

	raw, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, lterrors.Wrap(lterrors.KindTokenRequestFailed,
				fmt.Sprintf("platform token endpoint returned %d", re.Response.StatusCode), err)
		}
		return nil, lterrors.Wrap(lterrors.KindTokenRequestFailed, "platform token request failed", err)
	}

	lifetime := DefaultTokenLifetime
	if !raw.Expiry.IsZero() {
		// oauth2 resolves expires_in against the wall clock.
		lifetime = time.Until(raw.Expiry).Round(time.Second)
	}
	scope, _ := raw.Extra("scope").(string)
	if scope == "" {
		scope = scopes
	}
	tokenType := raw.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	logger.Debugw("obtained platform access token", "issuer", p.URL, "client_id", p.ClientID, "scopes", scopes, "expires_in", lifetime)
	return &Token{
		AccessToken: raw.AccessToken,
		TokenType:   tokenType,
		Scope:       scope,
		ExpiresIn:   int64(lifetime / time.Second),
		ExpiresAt:   now.Add(lifetime),
	}, nil
}
