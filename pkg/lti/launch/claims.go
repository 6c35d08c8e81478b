// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"github.com/golang-jwt/jwt/v5"
)

// ResourceLink is the resource_link claim.
type ResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// ContextClaim is the context claim: the course or section of the launch.
type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

// ToolPlatform describes the platform instance.
type ToolPlatform struct {
	GUID              string `json:"guid,omitempty"`
	Name              string `json:"name,omitempty"`
	ContactEmail      string `json:"contact_email,omitempty"`
	Description       string `json:"description,omitempty"`
	URL               string `json:"url,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	Version           string `json:"version,omitempty"`
}

// LaunchPresentation is the launch_presentation claim.
type LaunchPresentation struct {
	DocumentTarget string `json:"document_target,omitempty"`
	Height         int    `json:"height,omitempty"`
	Width          int    `json:"width,omitempty"`
	ReturnURL      string `json:"return_url,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// AGSEndpoint is the Assignment and Grade Services claim.
type AGSEndpoint struct {
	Scope     []string `json:"scope,omitempty"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

// NRPSService is the Names and Role Provisioning Services claim.
type NRPSService struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

// DeepLinkingSettings is the deep_linking_settings claim.
type DeepLinkingSettings struct {
	DeepLinkReturnURL                 string   `json:"deep_link_return_url"`
	AcceptTypes                       []string `json:"accept_types,omitempty"`
	AcceptPresentationDocumentTargets []string `json:"accept_presentation_document_targets,omitempty"`
	AcceptMediaTypes                  string   `json:"accept_media_types,omitempty"`
	AcceptMultiple                    bool     `json:"accept_multiple,omitempty"`
	AutoCreate                        bool     `json:"auto_create,omitempty"`
	Title                             string   `json:"title,omitempty"`
	Text                              string   `json:"text,omitempty"`
	Data                              string   `json:"data,omitempty"`
}

// idTokenClaims is the decoded id-token. Tags must be literal, so the claim
// URIs from package lti are repeated here.
type idTokenClaims struct {
	jwt.RegisteredClaims

	Nonce           string `json:"nonce"`
	AuthorizedParty string `json:"azp,omitempty"`
	Name            string `json:"name,omitempty"`
	GivenName       string `json:"given_name,omitempty"`
	FamilyName      string `json:"family_name,omitempty"`
	MiddleName      string `json:"middle_name,omitempty"`
	Email           string `json:"email,omitempty"`
	Picture         string `json:"picture,omitempty"`
	Locale          string `json:"locale,omitempty"`

	MessageType        string              `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version            string              `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID       string              `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI      string              `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	Roles              []string            `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	ResourceLink       *ResourceLink       `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	Context            *ContextClaim       `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ToolPlatform       *ToolPlatform       `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`
	LaunchPresentation *LaunchPresentation `json:"https://purl.imsglobal.org/spec/lti/claim/launch_presentation,omitempty"`
	Custom             map[string]any      `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	ForUser            map[string]any      `json:"https://purl.imsglobal.org/spec/lti/claim/for_user,omitempty"`

	AGSEndpoint         *AGSEndpoint         `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
	NRPSService         *NRPSService         `json:"https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice,omitempty"`
	DeepLinkingSettings *DeepLinkingSettings `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`
}
