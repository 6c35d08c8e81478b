// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package launch validates LTI 1.3 launches: the signed id-token a platform
// posts back after the login redirect.
package launch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti"
	"github.com/stacklok/ltitool/pkg/lti/login"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/lti/statestore"
)

const (
	// DefaultClockSkew is tolerated on exp, iat and nbf.
	DefaultClockSkew = 5 * time.Second

	// DefaultMaxTokenAge rejects tokens issued longer ago than this.
	DefaultMaxTokenAge = 10 * time.Second

	tracerName = "github.com/stacklok/ltitool/pkg/lti/launch"
)

// Stage is a step of the launch state machine.
type Stage string

// Launch stages, in order. A failure at any stage ends in StageRejected.
const (
	StageReceived          Stage = "RECEIVED"
	StageStateChecked      Stage = "STATE_CHECKED"
	StageSignatureVerified Stage = "SIGNATURE_VERIFIED"
	StageClaimsValidated   Stage = "CLAIMS_VALIDATED"
	StageNonceChecked      Stage = "NONCE_CHECKED"
	StageComplete          Stage = "COMPLETE"
	StageRejected          Stage = "REJECTED"
)

// RejectedError is returned for every failed launch. Stage is the last stage
// the launch reached before failing.
type RejectedError struct {
	Stage  Stage
	Issuer string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("launch rejected after %s: %v", e.Stage, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage a rejected launch reached, or "" for other errors.
func StageOf(err error) Stage {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}

// Request is the launch form post plus the cookies that came with it.
type Request struct {
	IDToken string
	State   string
	Cookies []*http.Cookie
}

// RequestFromHTTP reads a launch from a parsed form post.
func RequestFromHTTP(r *http.Request) Request {
	return Request{
		IDToken: r.PostFormValue("id_token"),
		State:   r.PostFormValue("state"),
		Cookies: r.Cookies(),
	}
}

// StateConsumer is the part of statestore.Store the validator uses.
type StateConsumer interface {
	State(ctx context.Context, value string) (*statestore.State, error)
	DeleteState(ctx context.Context, value string) (bool, error)
	UseNonce(ctx context.Context, nonce string, notBefore time.Time) error
}

// Config holds the validator's time windows.
type Config struct {
	ClockSkew time.Duration
	// MaxTokenAge bounds now - iat. Zero disables the check.
	MaxTokenAge time.Duration
}

// Validator runs the launch state machine.
type Validator struct {
	platforms platform.Lookup
	states    StateConsumer
	keys      KeyResolver
	cfg       Config
	now       func() time.Time
	tracer    trace.Tracer
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator. A zero ClockSkew uses DefaultClockSkew.
func NewValidator(platforms platform.Lookup, states StateConsumer, keys KeyResolver, cfg Config, opts ...Option) *Validator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.MaxTokenAge < 0 {
		cfg.MaxTokenAge = 0
	}
	v := &Validator{
		platforms: platforms,
		states:    states,
		keys:      keys,
		cfg:       cfg,
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// launch carries a request through the stages.
type launch struct {
	req      Request
	stage    Stage
	issuer   string
	state    *statestore.State
	platform *platform.Platform
	claims   idTokenClaims
}

// Validate checks a launch and returns its context. The state is consumed on
// success; nothing is retried on failure.
func (v *Validator) Validate(ctx context.Context, req Request) (*Context, error) {
	ctx, span := v.tracer.Start(ctx, "lti.launch.validate")
	defer span.End()

	l := &launch{req: req, stage: StageReceived}
	lc, err := v.run(ctx, l)
	span.SetAttributes(attribute.String("lti.launch.stage", string(l.stage)), attribute.String("lti.issuer", l.issuer))
	if err != nil {
		kind, reason := lterrors.KindOf(err), lterrors.ReasonOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if kind == "" || kind == lterrors.KindInternal {
			logger.Errorw("launch failed", "stage", l.stage, "issuer", l.issuer, "error", err)
		} else {
			logger.Warnw("launch rejected", "kind", kind, "reason", reason, "stage", l.stage, "issuer", l.issuer)
		}
		return nil, &RejectedError{Stage: l.stage, Issuer: l.issuer, Err: err}
	}

	l.stage = StageComplete
	span.SetAttributes(attribute.String("lti.launch.stage", string(l.stage)))
	logger.Infow("launch accepted", "platform", lc.PlatformID(), "message_type", lc.MessageType(), "deployment_id", lc.DeploymentID())
	return lc, nil
}

func (v *Validator) run(ctx context.Context, l *launch) (*Context, error) {
	if l.req.IDToken == "" {
		return nil, lterrors.New(lterrors.KindMissingIDToken, "launch has no id_token")
	}

	if err := v.checkState(ctx, l); err != nil {
		return nil, err
	}
	l.stage = StageStateChecked

	if err := v.verifySignature(ctx, l); err != nil {
		return nil, err
	}
	l.stage = StageSignatureVerified

	if err := v.validateClaims(l); err != nil {
		return nil, err
	}
	l.stage = StageClaimsValidated

	notBefore := l.claims.ExpiresAt.Add(v.cfg.ClockSkew)
	if err := v.states.UseNonce(ctx, l.claims.Nonce, notBefore); err != nil {
		return nil, err
	}
	l.stage = StageNonceChecked

	removed, err := v.states.DeleteState(ctx, l.req.State)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, lterrors.New(lterrors.KindStateMismatch, "state was consumed by another launch")
	}

	return newContext(l.platform.ID, redirectTarget(l.claims.TargetLinkURI, l.state.Query), &l.claims), nil
}

// checkState matches the state parameter to the login cookie and the stored
// state record.
func (v *Validator) checkState(ctx context.Context, l *launch) error {
	issuer, ok := login.StateFromCookies(l.req.Cookies, l.req.State)
	if !ok {
		return lterrors.New(lterrors.KindStateMismatch, "no state cookie matches the state parameter")
	}
	l.issuer = issuer

	st, err := v.states.State(ctx, l.req.State)
	if err != nil {
		return err
	}
	if st.Issuer != issuer {
		return lterrors.New(lterrors.KindStateMismatch, "state cookie does not match the stored login")
	}
	l.state = st
	return nil
}

func (v *Validator) verifySignature(ctx context.Context, l *launch) error {
	var unverified idTokenClaims
	token, _, err := jwt.NewParser().ParseUnverified(l.req.IDToken, &unverified)
	if err != nil {
		return lterrors.InvalidToken(lterrors.ReasonMalformedToken, "id_token is not a JWT", err)
	}
	if alg, _ := token.Header["alg"].(string); alg != jwt.SigningMethodRS256.Alg() {
		return lterrors.InvalidToken(lterrors.ReasonInvalidAlgorithm, fmt.Sprintf("unsupported token algorithm %q", alg), nil)
	}
	if unverified.Issuer != l.issuer {
		return lterrors.InvalidToken(lterrors.ReasonIssuerMismatch, "token issuer does not match the login issuer", nil)
	}

	clientID, err := clientIDOf(&unverified)
	if err != nil {
		return err
	}
	p, err := v.resolvePlatform(ctx, unverified.Issuer, clientID)
	if err != nil {
		return err
	}

	kid, _ := token.Header["kid"].(string)
	key, err := v.keys.Key(ctx, p, kid)
	if err != nil {
		return err
	}

	var claims idTokenClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err = parser.ParseWithClaims(l.req.IDToken, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return lterrors.InvalidToken(lterrors.ReasonInvalidSignature, "id_token signature is invalid", err)
		}
		return lterrors.InvalidToken(lterrors.ReasonMalformedToken, "failed to verify id_token", err)
	}

	l.platform = p
	l.claims = claims
	return nil
}

// clientIDOf picks the tool client id from aud, or azp when aud lists
// several parties.
func clientIDOf(c *idTokenClaims) (string, error) {
	switch {
	case len(c.Audience) == 0:
		return "", lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no aud", nil)
	case len(c.Audience) == 1:
		return c.Audience[0], nil
	case c.AuthorizedParty != "":
		return c.AuthorizedParty, nil
	default:
		return "", lterrors.InvalidToken(lterrors.ReasonAudienceMismatch, "token has several audiences and no azp", nil)
	}
}

func (v *Validator) resolvePlatform(ctx context.Context, issuer, clientID string) (*platform.Platform, error) {
	found, err := v.platforms.Get(ctx, issuer, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up platform: %w", err)
	}
	if len(found) == 0 {
		return nil, lterrors.Newf(lterrors.KindUnregisteredPlatform, "no platform registered for issuer %s and client id %s", issuer, clientID)
	}
	p := found[0]
	if !p.Active {
		return nil, lterrors.Newf(lterrors.KindPlatformNotActivated, "platform %s is not activated", p.ID)
	}
	return p, nil
}

func (v *Validator) validateClaims(l *launch) error {
	c := &l.claims
	p := l.platform
	now := v.now()
	skew := v.cfg.ClockSkew

	if c.Issuer != p.URL {
		return lterrors.InvalidToken(lterrors.ReasonIssuerMismatch, "token issuer does not match the platform", nil)
	}
	if !slices.Contains(c.Audience, p.ClientID) {
		return lterrors.InvalidToken(lterrors.ReasonAudienceMismatch, "token audience does not include the tool client id", nil)
	}
	if len(c.Audience) > 1 && c.AuthorizedParty != p.ClientID {
		return lterrors.InvalidToken(lterrors.ReasonAudienceMismatch, "azp does not match the tool client id", nil)
	}

	if c.ExpiresAt == nil {
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no exp", nil)
	}
	if !now.Before(c.ExpiresAt.Add(skew)) {
		return lterrors.InvalidToken(lterrors.ReasonTokenExpired, "token is expired", nil)
	}
	if c.IssuedAt == nil {
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no iat", nil)
	}
	if c.IssuedAt.After(now.Add(skew)) {
		return lterrors.InvalidToken(lterrors.ReasonTokenNotYetValid, "token is issued in the future", nil)
	}
	if c.NotBefore != nil && c.NotBefore.After(now.Add(skew)) {
		return lterrors.InvalidToken(lterrors.ReasonTokenNotYetValid, "token is not valid yet", nil)
	}
	if v.cfg.MaxTokenAge > 0 && now.Sub(c.IssuedAt.Time) > v.cfg.MaxTokenAge+skew {
		return lterrors.InvalidToken(lterrors.ReasonTokenTooOld, "token was issued too long ago", nil)
	}

	if c.Nonce == "" {
		return lterrors.InvalidToken(lterrors.ReasonMissingNonce, "token has no nonce", nil)
	}
	if c.Subject == "" {
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no sub", nil)
	}

	switch c.Version {
	case "":
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no LTI version claim", nil)
	case lti.Version:
	default:
		return lterrors.InvalidToken(lterrors.ReasonInvalidLTIVersion, fmt.Sprintf("unsupported LTI version %q", c.Version), nil)
	}

	if c.DeploymentID == "" {
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no deployment_id", nil)
	}
	if !p.HasDeployment(c.DeploymentID) {
		return lterrors.InvalidToken(lterrors.ReasonUnknownDeployment, "deployment "+c.DeploymentID+" is not registered for the platform", nil)
	}

	return validateMessage(c)
}

func validateMessage(c *idTokenClaims) error {
	switch c.MessageType {
	case "":
		return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "token has no message_type", nil)
	case lti.MessageTypeResourceLink:
		if c.ResourceLink == nil || c.ResourceLink.ID == "" {
			return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "resource link launch has no resource_link.id", nil)
		}
	case lti.MessageTypeDeepLinking:
		if c.DeepLinkingSettings == nil || c.DeepLinkingSettings.DeepLinkReturnURL == "" {
			return lterrors.InvalidToken(lterrors.ReasonMissingClaim, "deep linking launch has no deep_link_return_url", nil)
		}
	case lti.MessageTypeSubmissionReview:
	default:
		return lterrors.InvalidToken(lterrors.ReasonUnsupportedMessageType, fmt.Sprintf("unsupported message type %q", c.MessageType), nil)
	}
	return nil
}

// redirectTarget merges the query preserved at login into the target link
// URI. Parameters already on the target win.
func redirectTarget(target string, preserved url.Values) string {
	if len(preserved) == 0 || target == "" {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vs := range preserved {
		if !q.Has(k) {
			q[k] = slices.Clone(vs)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
