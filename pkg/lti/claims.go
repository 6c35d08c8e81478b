// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package lti holds the LTI 1.3 Advantage vocabulary shared by the login,
// launch, access token and registration packages.
package lti

// Version is the only LTI version accepted in launches.
const Version = "1.3.0"

// Core LTI claims.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimForUser            = "https://purl.imsglobal.org/spec/lti/claim/for_user"
)

// Service claims.
const (
	ClaimAGSEndpoint         = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPSService         = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

// Message types.
const (
	MessageTypeResourceLink     = "LtiResourceLinkRequest"
	MessageTypeDeepLinking      = "LtiDeepLinkingRequest"
	MessageTypeSubmissionReview = "LtiSubmissionReviewRequest"
)

// Service scopes requested at registration and in client_credentials grants.
const (
	ScopeAGSLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeAGSLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeAGSResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
	ScopeAGSScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeNRPSMembership      = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
)

// Dynamic registration document extensions.
const (
	PlatformConfigurationClaim = "https://purl.imsglobal.org/spec/lti-platform-configuration"
	ToolConfigurationClaim     = "https://purl.imsglobal.org/spec/lti-tool-configuration"
)

// ClientAssertionType is the client_assertion_type for JWT-bearer client
// authentication at platform token endpoints.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ServiceScopes lists every scope the tool can use.
func ServiceScopes() []string {
	return []string{
		ScopeAGSLineItem,
		ScopeAGSLineItemReadOnly,
		ScopeAGSResultReadOnly,
		ScopeAGSScore,
		ScopeNRPSMembership,
	}
}
