// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package login implements third-party initiated login: it turns a
// platform's login request into the OIDC authentication redirect.
package login

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/lti/statestore"
)

// StateCookiePrefix prefixes the cookie that binds a state value to its
// issuer. The full name is the prefix followed by the state value.
const StateCookiePrefix = "state"

// DefaultCookieTTL is the lifetime of the state cookie.
const DefaultCookieTTL = time.Minute

// Request holds the login parameters sent by the platform.
type Request struct {
	Issuer        string
	LoginHint     string
	TargetLinkURI string
	ClientID      string
	DeploymentID  string
	MessageHint   string
}

// ParseRequest reads login parameters from a query string or form body.
func ParseRequest(values url.Values) (Request, error) {
	req := Request{
		Issuer:        values.Get("iss"),
		LoginHint:     values.Get("login_hint"),
		TargetLinkURI: values.Get("target_link_uri"),
		ClientID:      values.Get("client_id"),
		DeploymentID:  values.Get("lti_deployment_id"),
		MessageHint:   values.Get("lti_message_hint"),
	}
	return req, req.Validate()
}

// Validate checks the required parameters.
func (r Request) Validate() error {
	var missing []string
	if r.Issuer == "" {
		missing = append(missing, "iss")
	}
	if r.LoginHint == "" {
		missing = append(missing, "login_hint")
	}
	if r.TargetLinkURI == "" {
		missing = append(missing, "target_link_uri")
	}
	if len(missing) > 0 {
		return lterrors.Newf(lterrors.KindMissingLoginParameters, "missing login parameters: %v", missing)
	}
	return nil
}

// StateMinter is the part of statestore.Store the initiator uses.
type StateMinter interface {
	CreateState(ctx context.Context, issuer string, query url.Values) (*statestore.State, error)
	NewNonce() string
}

// CookieConfig shapes the state cookie.
type CookieConfig struct {
	TTL      time.Duration
	Secure   bool
	SameSite http.SameSite
	Domain   string
	Path     string
}

// Config configures an Initiator.
type Config struct {
	// RedirectURI is the tool's launch endpoint. When empty the target link
	// URI, stripped of its query, is used.
	RedirectURI string
	Cookie      CookieConfig
	// AllowFirstMatch picks the first registered platform when an issuer is
	// shared and the request cannot be disambiguated.
	AllowFirstMatch bool
}

// Redirect is the outcome of a login: where to send the browser and the
// cookie to set on the way.
type Redirect struct {
	URL           *url.URL
	State         string
	Nonce         string
	TargetLinkURI string
	Cookie        *http.Cookie
	Platform      *platform.Platform
}

// Initiator builds authentication redirects.
type Initiator struct {
	platforms platform.Lookup
	states    StateMinter
	cfg       Config
}

// NewInitiator creates an Initiator.
func NewInitiator(platforms platform.Lookup, states StateMinter, cfg Config) *Initiator {
	if cfg.Cookie.TTL <= 0 {
		cfg.Cookie.TTL = DefaultCookieTTL
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = "/"
	}
	if cfg.Cookie.SameSite == 0 {
		cfg.Cookie.SameSite = http.SameSiteLaxMode
	}
	return &Initiator{platforms: platforms, states: states, cfg: cfg}
}

// Initiate resolves the platform, reserves a state and returns the redirect.
func (i *Initiator) Initiate(ctx context.Context, req Request) (*Redirect, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := i.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, lterrors.Newf(lterrors.KindPlatformNotActivated, "platform %s is not activated", p.ID)
	}

	target, err := url.Parse(req.TargetLinkURI)
	if err != nil || !target.IsAbs() {
		return nil, lterrors.Wrap(lterrors.KindMissingLoginParameters, "target_link_uri is not an absolute URL", err)
	}
	var preserved url.Values
	if target.RawQuery != "" {
		preserved = target.Query()
		target.RawQuery = ""
	}
	target.Fragment = ""
	targetLinkURI := target.String()

	st, err := i.states.CreateState(ctx, p.URL, preserved)
	if err != nil {
		return nil, err
	}
	nonce := i.states.NewNonce()

	authURL, err := url.Parse(p.AuthEndpoint)
	if err != nil {
		return nil, lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "platform auth endpoint is invalid", err)
	}
	redirectURI := i.cfg.RedirectURI
	if redirectURI == "" {
		redirectURI = targetLinkURI
	}

	params := authURL.Query()
	params.Set("response_type", "id_token")
	params.Set("response_mode", "form_post")
	params.Set("id_token_signed_response_alg", "RS256")
	params.Set("scope", "openid")
	params.Set("client_id", p.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("login_hint", req.LoginHint)
	params.Set("nonce", nonce)
	params.Set("state", st.Value)
	params.Set("prompt", "none")
	if req.MessageHint != "" {
		params.Set("lti_message_hint", req.MessageHint)
	}
	authURL.RawQuery = params.Encode()

	logger.Debugw("initiated login", "platform", p.ID, "issuer", p.URL, "state", logger.Mask(st.Value))

	return &Redirect{
		URL:           authURL,
		State:         st.Value,
		Nonce:         nonce,
		TargetLinkURI: targetLinkURI,
		Cookie:        i.cookie(st.Value, p.URL),
		Platform:      p,
	}, nil
}

func (i *Initiator) cookie(state, issuer string) *http.Cookie {
	return &http.Cookie{
		Name:     StateCookiePrefix + state,
		Value:    issuer,
		Path:     i.cfg.Cookie.Path,
		Domain:   i.cfg.Cookie.Domain,
		MaxAge:   int(i.cfg.Cookie.TTL / time.Second),
		Secure:   i.cfg.Cookie.Secure,
		HttpOnly: true,
		SameSite: i.cfg.Cookie.SameSite,
	}
}

// resolve picks the platform for a login. An issuer shared by several client
// registrations is narrowed by client_id, then by lti_deployment_id.
func (i *Initiator) resolve(ctx context.Context, req Request) (*platform.Platform, error) {
	candidates, err := i.platforms.Get(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up platform: %w", err)
	}
	switch {
	case len(candidates) == 0:
		return nil, lterrors.Newf(lterrors.KindUnregisteredPlatform,
			"no platform registered for issuer %s (client id %q)", req.Issuer, req.ClientID)
	case len(candidates) == 1:
		return candidates[0], nil
	}

	if req.DeploymentID != "" {
		var matched []*platform.Platform
		for _, p := range candidates {
			if slices.Contains(p.DeploymentIDs, req.DeploymentID) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 1 {
			return matched[0], nil
		}
	}

	if i.cfg.AllowFirstMatch {
		logger.Warnw("issuer is shared by several platforms, using the first registered",
			"issuer", req.Issuer, "candidates", len(candidates), "platform", candidates[0].ID)
		return candidates[0], nil
	}
	return nil, lterrors.Newf(lterrors.KindAmbiguousPlatform,
		"issuer %s is shared by %d platforms; client_id or a known lti_deployment_id is required",
		req.Issuer, len(candidates))
}

// StateFromCookies returns the issuer bound to state by the login cookie.
func StateFromCookies(cookies []*http.Cookie, state string) (string, bool) {
	if state == "" {
		return "", false
	}
	name := StateCookiePrefix + state
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, c.Value != ""
		}
	}
	return "", false
}

// ExpireStateCookie returns a cookie that removes the state cookie.
func (i *Initiator) ExpireStateCookie(state string) *http.Cookie {
	c := i.cookie(state, "")
	c.MaxAge = -1
	return c
}
