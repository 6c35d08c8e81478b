// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration implements LTI Dynamic Registration: the platform
// hands the tool an OpenID configuration URL and the tool registers itself
// as an OAuth client.
package registration

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"dario.cat/mergo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/networking"
)

// CloseScript is returned to the registration popup once the tool is
// registered. It tells the platform to close the window.
const CloseScript = `<script>(window.opener || window.parent).postMessage({subject:'org.imsglobal.lti.close'}, '*');</script>`

const tracerName = "github.com/stacklok/ltitool/pkg/lti/registration"

// PlatformRegistrar is the part of the platform registry the registrar
// needs.
type PlatformRegistrar interface {
	Get(ctx context.Context, issuer, clientID string) ([]*platform.Platform, error)
	Register(ctx context.Context, spec platform.Spec) (*platform.Platform, error)
}

// Registrar performs dynamic registration against platforms.
type Registrar struct {
	tool     Tool
	registry PlatformRegistrar
	client   networking.HTTPClient
	tracer   trace.Tracer
}

// NewRegistrar creates a Registrar that describes the tool with tool. A nil
// client uses http.DefaultClient.
func NewRegistrar(tool Tool, registry PlatformRegistrar, client networking.HTTPClient) *Registrar {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registrar{
		tool:     tool,
		registry: registry,
		client:   client,
		tracer:   otel.Tracer(tracerName),
	}
}

// Register runs a dynamic registration and returns the close-window script.
// Non-zero fields of overrides replace the configured tool description for
// this registration only.
func (r *Registrar) Register(ctx context.Context, configURL, registrationToken string, overrides *Tool) (string, error) {
	if configURL == "" {
		return "", lterrors.New(lterrors.KindMissingOpenIDConfig, "missing openid_configuration parameter")
	}

	ctx, span := r.tracer.Start(ctx, "lti.registration.register")
	defer span.End()

	p, err := r.register(ctx, configURL, registrationToken, overrides)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(lterrors.KindOf(err)))
		logger.Warnw("dynamic registration failed", "config_url", configURL, "kind", lterrors.KindOf(err), "error", err)
		return "", err
	}
	span.SetAttributes(attribute.String("lti.issuer", p.URL), attribute.String("lti.client_id", p.ClientID))
	return CloseScript, nil
}

func (r *Registrar) register(ctx context.Context, configURL, registrationToken string, overrides *Tool) (*platform.Platform, error) {
	tool, err := r.merge(overrides)
	if err != nil {
		return nil, err
	}

	if _, err := networking.ValidateEndpointURL(configURL, true); err != nil {
		return nil, lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "invalid openid_configuration URL", err)
	}
	cfg, err := r.fetchConfiguration(ctx, configURL)
	if err != nil {
		return nil, err
	}

	req, err := buildRequest(tool, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := networking.FetchJSON[ClientResponse](ctx, r.client, cfg.RegistrationEndpoint,
		networking.WithMethod(http.MethodPost),
		networking.WithJSONBody(req),
		networking.WithBearerToken(registrationToken),
		networking.WithAcceptedStatus(http.StatusOK, http.StatusCreated),
	)
	if err != nil {
		return nil, lterrors.Wrap(lterrors.KindRegistrationFailed, "platform rejected the client registration", err)
	}
	registered := resp.Data
	if registered.ClientID == "" {
		return nil, lterrors.New(lterrors.KindRegistrationFailed, "registration response has no client_id")
	}

	existing, err := r.registry.Get(ctx, cfg.Issuer, registered.ClientID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, lterrors.Newf(lterrors.KindPlatformAlreadyRegistered,
			"platform %s with client id %s is already registered", cfg.Issuer, registered.ClientID)
	}

	spec := platform.Spec{
		URL:           cfg.Issuer,
		ClientID:      registered.ClientID,
		Name:          platformName(cfg),
		AuthEndpoint:  cfg.AuthorizationEndpoint,
		TokenEndpoint: cfg.TokenEndpoint,
		AuthConfig:    platform.AuthConfig{Method: platform.AuthMethodJWKSet, Key: cfg.JWKSURI},
		Active:        tool.AutoActivate,
	}
	if id := registered.ToolConfiguration.DeploymentID; id != "" {
		spec.DeploymentIDs = []string{id}
	}
	p, err := r.registry.Register(ctx, spec)
	if err != nil {
		return nil, err
	}

	logger.Infow("platform registered dynamically",
		"id", p.ID, "issuer", p.URL, "client_id", p.ClientID, "deployment_id", registered.ToolConfiguration.DeploymentID, "active", p.Active)
	return p, nil
}

func (r *Registrar) merge(overrides *Tool) (Tool, error) {
	tool := r.tool
	tool.CustomParameters = maps.Clone(r.tool.CustomParameters)
	if overrides == nil {
		return tool, nil
	}
	if err := mergo.Merge(&tool, *overrides, mergo.WithOverride); err != nil {
		return Tool{}, fmt.Errorf("failed to apply registration overrides: %w", err)
	}
	return tool, nil
}

func (r *Registrar) fetchConfiguration(ctx context.Context, configURL string) (*OpenIDConfiguration, error) {
	res, err := networking.FetchJSON[OpenIDConfiguration](ctx, r.client, configURL)
	if err != nil {
		var httpErr *networking.HTTPError
		if errors.As(err, &httpErr) {
			return nil, lterrors.Wrap(lterrors.KindInvalidPlatformConfig,
				fmt.Sprintf("openid configuration returned status %d", httpErr.StatusCode), err)
		}
		return nil, lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "failed to fetch openid configuration", err)
	}
	cfg := &res.Data
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *OpenIDConfiguration) validate() error {
	required := []struct{ field, value string }{
		{"issuer", c.Issuer},
		{"authorization_endpoint", c.AuthorizationEndpoint},
		{"token_endpoint", c.TokenEndpoint},
		{"jwks_uri", c.JWKSURI},
		{"registration_endpoint", c.RegistrationEndpoint},
	}
	for _, f := range required {
		if f.value == "" {
			return lterrors.Newf(lterrors.KindInvalidPlatformConfig, "openid configuration is missing %s", f.field)
		}
	}
	if _, err := networking.ValidateEndpointURL(c.RegistrationEndpoint, true); err != nil {
		return lterrors.Wrap(lterrors.KindInvalidPlatformConfig, "invalid registration_endpoint", err)
	}
	return nil
}

func platformName(cfg *OpenIDConfiguration) string {
	if pc := cfg.PlatformConfiguration; pc != nil && pc.ProductFamilyCode != "" {
		return pc.ProductFamilyCode
	}
	if u, err := url.Parse(cfg.Issuer); err == nil && u.Host != "" {
		return u.Host
	}
	return cfg.Issuer
}

func buildRequest(tool Tool, cfg *OpenIDConfiguration) (*ClientRequest, error) {
	launch, err := url.Parse(tool.LaunchURL)
	if err != nil || launch.Host == "" {
		return nil, lterrors.Newf(lterrors.KindInternal, "tool launch URL %q is not absolute", tool.LaunchURL)
	}

	redirects := tool.RedirectURIs
	if len(redirects) == 0 {
		redirects = []string{tool.LaunchURL}
	}
	if tool.DeepLinkingURL != "" && !slices.Contains(redirects, tool.DeepLinkingURL) {
		redirects = append(slices.Clone(redirects), tool.DeepLinkingURL)
	}
	claims := tool.Claims
	if len(claims) == 0 {
		claims = DefaultClaims()
	}

	return &ClientRequest{
		ApplicationType:         "web",
		ResponseTypes:           []string{"id_token"},
		GrantTypes:              []string{"implicit", "client_credentials"},
		InitiateLoginURI:        tool.LoginURL,
		RedirectURIs:            redirects,
		ClientName:              tool.Name,
		JWKSURI:                 tool.JWKSURL,
		LogoURI:                 tool.LogoURL,
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope:                   strings.Join(requestedScopes(tool.Scopes, cfg.ScopesSupported), " "),
		ToolConfiguration: ToolConfiguration{
			Domain:           launch.Host,
			Description:      tool.Description,
			TargetLinkURI:    tool.LaunchURL,
			CustomParameters: tool.CustomParameters,
			Claims:           claims,
			Messages:         tool.messages(),
		},
	}, nil
}

// requestedScopes keeps the wanted scopes the platform advertises. A
// platform that advertises nothing gets the full list.
func requestedScopes(wanted, supported []string) []string {
	if len(wanted) == 0 {
		wanted = lti.ServiceScopes()
	}
	if len(supported) == 0 {
		return wanted
	}
	var out []string
	for _, s := range wanted {
		if slices.Contains(supported, s) {
			out = append(out, s)
		}
	}
	return out
}
