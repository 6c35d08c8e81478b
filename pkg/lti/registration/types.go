// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import "github.com/stacklok/ltitool/pkg/lti"

// OpenIDConfiguration is the platform document fetched from the
// openid_configuration URL.
type OpenIDConfiguration struct {
	Issuer                string                 `json:"issuer"`
	AuthorizationEndpoint string                 `json:"authorization_endpoint"`
	TokenEndpoint         string                 `json:"token_endpoint"`
	JWKSURI               string                 `json:"jwks_uri"`
	RegistrationEndpoint  string                 `json:"registration_endpoint"`
	ScopesSupported       []string               `json:"scopes_supported,omitempty"`
	PlatformConfiguration *PlatformConfiguration `json:"https://purl.imsglobal.org/spec/lti-platform-configuration,omitempty"`
}

// PlatformConfiguration is the LTI extension of the OpenID configuration.
type PlatformConfiguration struct {
	ProductFamilyCode string    `json:"product_family_code"`
	Version           string    `json:"version,omitempty"`
	MessagesSupported []Message `json:"messages_supported,omitempty"`
}

// Message declares a supported LTI message type.
type Message struct {
	Type          string `json:"type"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`
	Label         string `json:"label,omitempty"`
}

// ToolConfiguration is the LTI extension of the client registration request
// and response.
type ToolConfiguration struct {
	Domain           string            `json:"domain"`
	Description      string            `json:"description,omitempty"`
	TargetLinkURI    string            `json:"target_link_uri"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Claims           []string          `json:"claims"`
	Messages         []Message         `json:"messages"`

	// DeploymentID is only set by the platform in the response.
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ClientRequest is the OpenID Connect client registration request.
type ClientRequest struct {
	ApplicationType         string            `json:"application_type"`
	ResponseTypes           []string          `json:"response_types"`
	GrantTypes              []string          `json:"grant_types"`
	InitiateLoginURI        string            `json:"initiate_login_uri"`
	RedirectURIs            []string          `json:"redirect_uris"`
	ClientName              string            `json:"client_name"`
	JWKSURI                 string            `json:"jwks_uri"`
	LogoURI                 string            `json:"logo_uri,omitempty"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
	Scope                   string            `json:"scope"`
	ToolConfiguration       ToolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

// ClientResponse is the part of the registration response the tool uses.
type ClientResponse struct {
	ClientID          string            `json:"client_id"`
	ClientName        string            `json:"client_name,omitempty"`
	ToolConfiguration ToolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

// Tool describes this deployment of the tool to platforms.
type Tool struct {
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	LogoURL          string            `json:"logoUrl,omitempty" yaml:"logoUrl,omitempty"`
	LoginURL         string            `json:"loginUrl,omitempty" yaml:"loginUrl,omitempty"`
	LaunchURL        string            `json:"launchUrl,omitempty" yaml:"launchUrl,omitempty"`
	JWKSURL          string            `json:"jwksUrl,omitempty" yaml:"jwksUrl,omitempty"`
	RedirectURIs     []string          `json:"redirectUris,omitempty" yaml:"redirectUris,omitempty"`
	DeepLinkingURL   string            `json:"deepLinkingUrl,omitempty" yaml:"deepLinkingUrl,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty" yaml:"customParameters,omitempty"`
	Claims           []string          `json:"claims,omitempty" yaml:"claims,omitempty"`
	Scopes           []string          `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	AutoActivate     bool              `json:"autoActivate,omitempty" yaml:"autoActivate,omitempty"`
}

// DefaultClaims are requested when Tool.Claims is empty.
func DefaultClaims() []string {
	return []string{"iss", "sub", "name", "given_name", "family_name", "email"}
}

func (t Tool) messages() []Message {
	msgs := []Message{{Type: lti.MessageTypeResourceLink, TargetLinkURI: t.LaunchURL}}
	if t.DeepLinkingURL != "" {
		msgs = append(msgs, Message{Type: lti.MessageTypeDeepLinking, TargetLinkURI: t.DeepLinkingURL, Label: t.Name})
	}
	return msgs
}
