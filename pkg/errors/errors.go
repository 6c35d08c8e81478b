// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed failures returned by the LTI core.
//
// Every failure carries a machine-readable Kind and, for security rejections,
// a Reason sub-code that is logged for audit. Messages never contain key
// material or token contents.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

// Reason refines a Kind, mostly for INVALID_TOKEN.
type Reason string

// Error kinds
const (
	KindMissingLoginParameters    Kind = "MISSING_LOGIN_PARAMETERS"
	KindMissingIDToken            Kind = "MISSING_ID_TOKEN"
	KindMissingOpenIDConfig       Kind = "MISSING_OPENID_CONFIGURATION"
	KindMissingContentItems       Kind = "MISSING_CONTENT_ITEMS"
	KindMissingLineItem           Kind = "MISSING_LINE_ITEM"
	KindMissingScore              Kind = "MISSING_SCORE"
	KindPlatformNotFound          Kind = "PLATFORM_NOT_FOUND"
	KindUnregisteredPlatform      Kind = "UNREGISTERED_PLATFORM"
	KindPlatformNotActivated      Kind = "PLATFORM_NOT_ACTIVATED"
	KindPlatformAlreadyRegistered Kind = "PLATFORM_ALREADY_REGISTERED"
	KindAmbiguousPlatform         Kind = "AMBIGUOUS_PLATFORM"
	KindStateMismatch             Kind = "STATE_MISMATCH"
	KindInvalidToken              Kind = "INVALID_TOKEN"
	KindNonceReplayed             Kind = "NONCE_REPLAYED"
	KindTokenRequestFailed        Kind = "TOKEN_REQUEST_FAILED"
	KindKeyNotFound               Kind = "KEY_NOT_FOUND"
	KindRegistrationFailed        Kind = "REGISTRATION_FAILED"
	KindInvalidPlatformConfig     Kind = "INVALID_PLATFORM_CONFIG"
	KindInternal                  Kind = "INTERNAL"
)

// INVALID_TOKEN reasons
const (
	ReasonMalformedToken         Reason = "MALFORMED_TOKEN"
	ReasonInvalidAlgorithm       Reason = "INVALID_ALGORITHM"
	ReasonUnknownKID             Reason = "UNKNOWN_KID"
	ReasonJWKSFetchFailed        Reason = "JWKS_FETCH_FAILED"
	ReasonInvalidSignature       Reason = "INVALID_SIGNATURE"
	ReasonIssuerMismatch         Reason = "ISSUER_MISMATCH"
	ReasonAudienceMismatch       Reason = "AUDIENCE_MISMATCH"
	ReasonTokenExpired           Reason = "TOKEN_EXPIRED"
	ReasonTokenNotYetValid       Reason = "TOKEN_NOT_YET_VALID"
	ReasonTokenTooOld            Reason = "TOKEN_TOO_OLD"
	ReasonMissingClaim           Reason = "MISSING_CLAIM"
	ReasonInvalidLTIVersion      Reason = "INVALID_LTI_VERSION"
	ReasonUnsupportedMessageType Reason = "UNSUPPORTED_MESSAGE_TYPE"
	ReasonUnknownDeployment      Reason = "UNKNOWN_DEPLOYMENT"
	ReasonMissingNonce           Reason = "MISSING_NONCE"

	// ReasonKeyRetired refines KEY_NOT_FOUND for a kid that was rotated out.
	ReasonKeyRetired Reason = "KEY_RETIRED"
)

// Sentinels for errors.Is. Matching compares Kind, and Reason when the
// sentinel sets one.
var (
	ErrStateMismatch             = &Error{Kind: KindStateMismatch}
	ErrInvalidToken              = &Error{Kind: KindInvalidToken}
	ErrNonceReplayed             = &Error{Kind: KindNonceReplayed}
	ErrUnregisteredPlatform      = &Error{Kind: KindUnregisteredPlatform}
	ErrPlatformNotActivated      = &Error{Kind: KindPlatformNotActivated}
	ErrPlatformAlreadyRegistered = &Error{Kind: KindPlatformAlreadyRegistered}
	ErrKeyNotFound               = &Error{Kind: KindKeyNotFound}
	ErrTokenRequestFailed        = &Error{Kind: KindTokenRequestFailed}
)

// Error is a classified LTI failure.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   error
}

// Error returns "KIND[/REASON]: message[: cause]".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("/")
		b.WriteString(string(e.Reason))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind, and the same
// reason if target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReason creates an error carrying a reason sub-code.
func WithReason(kind Kind, reason Reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// InvalidToken is shorthand for an INVALID_TOKEN rejection.
func InvalidToken(reason Reason, message string, cause error) *Error {
	return WithReason(KindInvalidToken, reason, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain, or "".
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsSecurityRejection reports whether err is a launch validation failure that
// must be rejected and audited.
func IsSecurityRejection(err error) bool {
	switch KindOf(err) {
	case KindStateMismatch, KindInvalidToken, KindNonceReplayed:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code used in error envelopes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMissingLoginParameters, KindMissingIDToken, KindMissingOpenIDConfig,
		KindMissingContentItems, KindMissingLineItem, KindMissingScore, KindAmbiguousPlatform,
		KindInvalidPlatformConfig:
		return http.StatusBadRequest
	case KindPlatformNotFound, KindUnregisteredPlatform:
		return http.StatusNotFound
	case KindPlatformNotActivated:
		return http.StatusForbidden
	case KindPlatformAlreadyRegistered:
		return http.StatusConflict
	case KindStateMismatch, KindInvalidToken, KindNonceReplayed:
		return http.StatusUnauthorized
	case KindTokenRequestFailed, KindRegistrationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
