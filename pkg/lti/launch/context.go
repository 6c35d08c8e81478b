// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Context is a validated launch. It is only built after every check passes
// and cannot be changed afterwards: accessors return copies.
type Context struct {
	platformID   string
	issuer       string
	clientID     string
	deploymentID string
	userID       string
	messageType  string
	version      string

	name       string
	givenName  string
	familyName string
	email      string

	roles              []string
	targetLinkURI      string
	redirectTarget     string
	resourceLink       *ResourceLink
	context            *ContextClaim
	toolPlatform       *ToolPlatform
	launchPresentation *LaunchPresentation
	custom             map[string]any
	agsEndpoint        *AGSEndpoint
	nrpsService        *NRPSService
	deepLinking        *DeepLinkingSettings

	issuedAt  time.Time
	expiresAt time.Time
}

func newContext(platformID, redirectTarget string, c *idTokenClaims) *Context {
	lc := &Context{
		platformID:     platformID,
		issuer:         c.Issuer,
		deploymentID:   c.DeploymentID,
		userID:         c.Subject,
		messageType:    c.MessageType,
		version:        c.Version,
		name:           c.Name,
		givenName:      c.GivenName,
		familyName:     c.FamilyName,
		email:          c.Email,
		roles:          slices.Clone(c.Roles),
		targetLinkURI:  c.TargetLinkURI,
		redirectTarget: redirectTarget,
		custom:         maps.Clone(c.Custom),
	}
	if len(c.Audience) > 0 {
		lc.clientID = c.Audience[0]
	}
	if c.AuthorizedParty != "" {
		lc.clientID = c.AuthorizedParty
	}
	if c.IssuedAt != nil {
		lc.issuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		lc.expiresAt = c.ExpiresAt.Time
	}
	if c.ResourceLink != nil {
		rl := *c.ResourceLink
		lc.resourceLink = &rl
	}
	if c.Context != nil {
		cc := *c.Context
		cc.Type = slices.Clone(cc.Type)
		lc.context = &cc
	}
	if c.ToolPlatform != nil {
		tp := *c.ToolPlatform
		lc.toolPlatform = &tp
	}
	if c.LaunchPresentation != nil {
		lp := *c.LaunchPresentation
		lc.launchPresentation = &lp
	}
	lc.agsEndpoint = c.AGSEndpoint.clone()
	lc.nrpsService = c.NRPSService.clone()
	lc.deepLinking = c.DeepLinkingSettings.clone()
	return lc
}

// PlatformID is the registry id of the launching platform.
func (c *Context) PlatformID() string { return c.platformID }

// Issuer is the platform issuer.
func (c *Context) Issuer() string { return c.issuer }

// ClientID is the tool's client id at the platform.
func (c *Context) ClientID() string { return c.clientID }

// DeploymentID is the deployment the launch belongs to.
func (c *Context) DeploymentID() string { return c.deploymentID }

// UserID is the sub claim.
func (c *Context) UserID() string { return c.userID }

// MessageType is the LTI message type.
func (c *Context) MessageType() string { return c.messageType }

// Version is the LTI version claim.
func (c *Context) Version() string { return c.version }

// Name is the user's display name, if the platform shared it.
func (c *Context) Name() string { return c.name }

// GivenName is the user's given name.
func (c *Context) GivenName() string { return c.givenName }

// FamilyName is the user's family name.
func (c *Context) FamilyName() string { return c.familyName }

// Email is the user's email address.
func (c *Context) Email() string { return c.email }

// Roles returns the user's role URIs.
func (c *Context) Roles() []string { return slices.Clone(c.roles) }

// HasRole reports whether the user holds role.
func (c *Context) HasRole(role string) bool { return slices.Contains(c.roles, role) }

// TargetLinkURI is the target_link_uri claim.
func (c *Context) TargetLinkURI() string { return c.targetLinkURI }

// RedirectTarget is the target link URI with the query preserved at login
// merged back in.
func (c *Context) RedirectTarget() string { return c.redirectTarget }

// ResourceLink returns the resource link claim.
func (c *Context) ResourceLink() (ResourceLink, bool) {
	if c.resourceLink == nil {
		return ResourceLink{}, false
	}
	return *c.resourceLink, true
}

// CourseContext returns the context claim.
func (c *Context) CourseContext() (ContextClaim, bool) {
	if c.context == nil {
		return ContextClaim{}, false
	}
	cc := *c.context
	cc.Type = slices.Clone(cc.Type)
	return cc, true
}

// ToolPlatform returns the tool_platform claim.
func (c *Context) ToolPlatform() (ToolPlatform, bool) {
	if c.toolPlatform == nil {
		return ToolPlatform{}, false
	}
	return *c.toolPlatform, true
}

// LaunchPresentation returns the launch_presentation claim.
func (c *Context) LaunchPresentation() (LaunchPresentation, bool) {
	if c.launchPresentation == nil {
		return LaunchPresentation{}, false
	}
	return *c.launchPresentation, true
}

// Custom returns a copy of the custom parameters.
func (c *Context) Custom() map[string]any { return maps.Clone(c.custom) }

// AGSEndpoint returns the grade service descriptor.
func (c *Context) AGSEndpoint() (AGSEndpoint, bool) {
	if c.agsEndpoint == nil {
		return AGSEndpoint{}, false
	}
	return *c.agsEndpoint.clone(), true
}

// NRPSService returns the roster service descriptor.
func (c *Context) NRPSService() (NRPSService, bool) {
	if c.nrpsService == nil {
		return NRPSService{}, false
	}
	return *c.nrpsService.clone(), true
}

// DeepLinkingSettings returns the deep linking settings.
func (c *Context) DeepLinkingSettings() (DeepLinkingSettings, bool) {
	if c.deepLinking == nil {
		return DeepLinkingSettings{}, false
	}
	return *c.deepLinking.clone(), true
}

// IssuedAt is the token's iat.
func (c *Context) IssuedAt() time.Time { return c.issuedAt }

// ExpiresAt is the token's exp.
func (c *Context) ExpiresAt() time.Time { return c.expiresAt }

func (a *AGSEndpoint) clone() *AGSEndpoint {
	if a == nil {
		return nil
	}
	out := *a
	out.Scope = slices.Clone(a.Scope)
	return &out
}

func (n *NRPSService) clone() *NRPSService {
	if n == nil {
		return nil
	}
	out := *n
	out.ServiceVersions = slices.Clone(n.ServiceVersions)
	return &out
}

func (d *DeepLinkingSettings) clone() *DeepLinkingSettings {
	if d == nil {
		return nil
	}
	out := *d
	out.AcceptTypes = slices.Clone(d.AcceptTypes)
	out.AcceptPresentationDocumentTargets = slices.Clone(d.AcceptPresentationDocumentTargets)
	return &out
}

type contextJSON struct {
	PlatformID          string               `json:"platformId"`
	Issuer              string               `json:"iss"`
	ClientID            string               `json:"clientId"`
	DeploymentID        string               `json:"deploymentId"`
	UserID              string               `json:"user"`
	MessageType         string               `json:"messageType"`
	Version             string               `json:"version"`
	Name                string               `json:"name,omitempty"`
	GivenName           string               `json:"givenName,omitempty"`
	FamilyName          string               `json:"familyName,omitempty"`
	Email               string               `json:"email,omitempty"`
	Roles               []string             `json:"roles"`
	TargetLinkURI       string               `json:"targetLinkUri,omitempty"`
	RedirectTarget      string               `json:"redirectTarget,omitempty"`
	ResourceLink        *ResourceLink        `json:"resourceLink,omitempty"`
	Context             *ContextClaim        `json:"context,omitempty"`
	ToolPlatform        *ToolPlatform        `json:"platformInfo,omitempty"`
	LaunchPresentation  *LaunchPresentation  `json:"launchPresentation,omitempty"`
	Custom              map[string]any       `json:"custom,omitempty"`
	AGSEndpoint         *AGSEndpoint         `json:"endpoint,omitempty"`
	NRPSService         *NRPSService         `json:"namesRoles,omitempty"`
	DeepLinkingSettings *DeepLinkingSettings `json:"deepLinkingSettings,omitempty"`
}

// MarshalJSON renders the context for applications that take the launch as
// JSON.
func (c *Context) MarshalJSON() ([]byte, error) {
	roles := c.roles
	if roles == nil {
		roles = []string{}
	}
	return json.Marshal(contextJSON{
		PlatformID:          c.platformID,
		Issuer:              c.issuer,
		ClientID:            c.clientID,
		DeploymentID:        c.deploymentID,
		UserID:              c.userID,
		MessageType:         c.messageType,
		Version:             c.version,
		Name:                c.name,
		GivenName:           c.givenName,
		FamilyName:          c.familyName,
		Email:               c.email,
		Roles:               roles,
		TargetLinkURI:       c.targetLinkURI,
		RedirectTarget:      c.redirectTarget,
		ResourceLink:        c.resourceLink,
		Context:             c.context,
		ToolPlatform:        c.toolPlatform,
		LaunchPresentation:  c.launchPresentation,
		Custom:              c.custom,
		AGSEndpoint:         c.agsEndpoint,
		NRPSService:         c.nrpsService,
		DeepLinkingSettings: c.deepLinking,
	})
}
