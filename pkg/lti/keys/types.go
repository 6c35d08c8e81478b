// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the tool's per-platform RSA signing keys.
//
// Each platform registration owns one active key pair. The private half is
// stored in the privatekey record set (sealed at rest when the repository is
// encrypted) and the public half in the publickey set. Rotation issues a new
// kid and retires the old pair after a grace window: a retired key stays in
// the published JWKS until the window closes but never signs again.
package keys

import (
	"time"
)

const (
	// Algorithm is the only signing algorithm used for tool keys.
	Algorithm = "RS256"

	// DefaultKeySize is the RSA modulus size for generated keys.
	DefaultKeySize = 2048

	// DefaultRotationGrace is how long a retired key stays published.
	DefaultRotationGrace = 24 * time.Hour
)

// Index fields on key records.
const (
	fieldPlatformURL = "platformUrl"
	fieldClientID    = "clientId"
)

// KeyPair is the public view of a stored key pair.
type KeyPair struct {
	KeyID        string
	PlatformURL  string
	ClientID     string
	PublicKeyPEM string
	CreatedAt    time.Time
	// RetiredAt is zero for the active key.
	RetiredAt time.Time
}

// Active reports whether the pair may still sign.
func (k KeyPair) Active() bool {
	return k.RetiredAt.IsZero()
}

// storedKey is the JSON value of both privatekey and publickey records. PEM
// holds the PKCS#8 private key or the PKIX public key respectively.
type storedKey struct {
	KeyID       string    `json:"kid"`
	PlatformURL string    `json:"platformUrl"`
	ClientID    string    `json:"clientId"`
	PEM         string    `json:"pem"`
	CreatedAt   time.Time `json:"createdAt"`
	RetiredAt   time.Time `json:"retiredAt,omitzero"`
}
