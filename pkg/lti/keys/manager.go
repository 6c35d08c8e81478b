// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/storage"
)

// Manager generates, publishes, signs with and rotates tool keys.
type Manager struct {
	repo    storage.Repository
	keySize int
	grace   time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeySize overrides DefaultKeySize. Sizes below 2048 are ignored.
func WithKeySize(bits int) Option {
	return func(m *Manager) {
		if bits >= DefaultKeySize {
			m.keySize = bits
		}
	}
}

// WithRotationGrace overrides DefaultRotationGrace.
func WithRotationGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager persisting through repo.
func NewManager(repo storage.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		keySize: DefaultKeySize,
		grace:   DefaultRotationGrace,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKeyPair creates and stores a new RSA key pair for a platform
// registration and returns its kid.
func (m *Manager) GenerateKeyPair(ctx context.Context, platformURL, clientID string) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keySize)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid, err := DeriveKeyID(key)
	if err != nil {
		return "", err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}

	now := m.now()
	index := map[string]string{fieldPlatformURL: platformURL, fieldClientID: clientID}
	record := func(block *pem.Block) (storage.Record, error) {
		value, err := json.Marshal(storedKey{
			KeyID:       kid,
			PlatformURL: platformURL,
			ClientID:    clientID,
			PEM:         string(pem.EncodeToMemory(block)),
			CreatedAt:   now,
		})
		return storage.Record{Key: kid, Index: index, Value: value, CreatedAt: now}, err
	}

	priv, err := record(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err != nil {
		return "", fmt.Errorf("failed to encode private key record: %w", err)
	}
	pub, err := record(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err != nil {
		return "", fmt.Errorf("failed to encode public key record: %w", err)
	}

	if err := m.repo.Insert(ctx, storage.SetPrivateKey, priv); err != nil {
		return "", fmt.Errorf("failed to store private key: %w", err)
	}
	if err := m.repo.Insert(ctx, storage.SetPublicKey, pub); err != nil {
		_, _ = m.repo.Delete(ctx, storage.SetPrivateKey, storage.ByKey(kid))
		return "", fmt.Errorf("failed to store public key: %w", err)
	}

	logger.Infow("generated tool key pair", "kid", kid, "issuer", platformURL, "client_id", clientID)
	return kid, nil
}

// DeriveKeyID returns the RFC 7638 SHA-256 thumbprint of the public key,
// base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	thumbprint, err := (&jose.JSONWebKey{Key: key.Public()}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// PublicJWKS returns every published public key. Keys are published
// regardless of platform activation; retired keys drop out once their grace
// window closes.
func (m *Manager) PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	records, err := m.repo.Get(ctx, storage.SetPublicKey, storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	now := m.now()
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(records))}
	for _, rec := range records {
		sk, err := decodeStoredKey(rec)
		if err != nil {
			return nil, err
		}
		if m.pastGrace(sk, now) {
			continue
		}
		pub, err := parsePublicKey(sk.PEM)
		if err != nil {
			return nil, fmt.Errorf("public key %s: %w", sk.KeyID, err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     sk.KeyID,
			Algorithm: Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// PublicKey returns the public key for kid, including retired keys still in
// their grace window.
func (m *Manager) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	rec, err := storage.GetOne(ctx, m.repo, storage.SetPublicKey, storage.ByKey(kid))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lterrors.Newf(lterrors.KindKeyNotFound, "no public key for kid %s", kid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	sk, err := decodeStoredKey(rec)
	if err != nil {
		return nil, err
	}
	if m.pastGrace(sk, m.now()) {
		return nil, lterrors.WithReason(lterrors.KindKeyNotFound, lterrors.ReasonKeyRetired, "key "+kid+" is retired", nil)
	}
	return parsePublicKey(sk.PEM)
}

// Sign signs claims as a compact RS256 JWT with the private key for kid.
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims, kid string) (string, error) {
	rec, err := storage.GetOne(ctx, m.repo, storage.SetPrivateKey, storage.ByKey(kid))
	if errors.Is(err, storage.ErrNotFound) {
		return "", lterrors.Newf(lterrors.KindKeyNotFound, "no private key for kid %s", kid)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load private key: %w", err)
	}
	sk, err := decodeStoredKey(rec)
	if err != nil {
		return "", err
	}
	if !sk.RetiredAt.IsZero() {
		return "", lterrors.WithReason(lterrors.KindKeyNotFound, lterrors.ReasonKeyRetired, "key "+kid+" is retired", nil)
	}

	key, err := parsePrivateKey(sk.PEM)
	if err != nil {
		return "", fmt.Errorf("private key %s: %w", kid, err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// SignForPlatform signs with the active key of a platform registration.
func (m *Manager) SignForPlatform(ctx context.Context, platformURL, clientID string, claims jwt.Claims) (string, error) {
	kid, err := m.ActiveKeyID(ctx, platformURL, clientID)
	if err != nil {
		return "", err
	}
	return m.Sign(ctx, claims, kid)
}

// ActiveKeyID returns the newest unretired kid for a platform registration.
func (m *Manager) ActiveKeyID(ctx context.Context, platformURL, clientID string) (string, error) {
	pairs, err := m.KeyPairs(ctx, platformURL, clientID)
	if err != nil {
		return "", err
	}
	for i := len(pairs) - 1; i >= 0; i-- {
		if pairs[i].Active() {
			return pairs[i].KeyID, nil
		}
	}
	return "", lterrors.Newf(lterrors.KindKeyNotFound, "no active key for %s (client %s)", platformURL, clientID)
}

// KeyPairs lists the stored pairs of a platform registration, oldest first.
func (m *Manager) KeyPairs(ctx context.Context, platformURL, clientID string) ([]KeyPair, error) {
	records, err := m.repo.Get(ctx, storage.SetPublicKey,
		storage.Where(fieldPlatformURL, platformURL).And(fieldClientID, clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	pairs := make([]KeyPair, 0, len(records))
	for _, rec := range records {
		sk, err := decodeStoredKey(rec)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair{
			KeyID:        sk.KeyID,
			PlatformURL:  sk.PlatformURL,
			ClientID:     sk.ClientID,
			PublicKeyPEM: sk.PEM,
			CreatedAt:    sk.CreatedAt,
			RetiredAt:    sk.RetiredAt,
		})
	}
	return pairs, nil
}

// Rotate issues a new key pair and retires the previously active ones. The
// new key is stored before the old ones are retired, so the registration is
// never left without a signing key.
func (m *Manager) Rotate(ctx context.Context, platformURL, clientID string) (string, error) {
	previous, err := m.KeyPairs(ctx, platformURL, clientID)
	if err != nil {
		return "", err
	}

	newKid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	if err != nil {
		return "", err
	}

	retiredAt := m.now()
	expiresAt := retiredAt.Add(m.grace)
	for _, pair := range previous {
		if !pair.Active() {
			continue
		}
		if err := m.retire(ctx, pair.KeyID, retiredAt, expiresAt); err != nil {
			return "", err
		}
		logger.Infow("retired tool key", "kid", pair.KeyID, "new_kid", newKid, "published_until", expiresAt)
	}
	return newKid, nil
}

func (m *Manager) retire(ctx context.Context, kid string, retiredAt, expiresAt time.Time) error {
	for _, set := range []string{storage.SetPrivateKey, storage.SetPublicKey} {
		rec, err := storage.GetOne(ctx, m.repo, set, storage.ByKey(kid))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s %s: %w", set, kid, err)
		}
		sk, err := decodeStoredKey(rec)
		if err != nil {
			return err
		}
		sk.RetiredAt = retiredAt
		value, err := json.Marshal(sk)
		if err != nil {
			return fmt.Errorf("failed to encode retired key: %w", err)
		}
		if _, err := m.repo.Update(ctx, set, storage.ByKey(kid), storage.Patch{Value: value, ExpiresAt: &expiresAt}); err != nil {
			return fmt.Errorf("failed to retire %s %s: %w", set, kid, err)
		}
	}
	return nil
}

// DeleteKey removes a single key pair.
func (m *Manager) DeleteKey(ctx context.Context, kid string) error {
	for _, set := range []string{storage.SetPrivateKey, storage.SetPublicKey} {
		if _, err := m.repo.Delete(ctx, set, storage.ByKey(kid)); err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", set, kid, err)
		}
	}
	return nil
}

// DeleteKeys removes every key pair of a platform registration.
func (m *Manager) DeleteKeys(ctx context.Context, platformURL, clientID string) error {
	q := storage.Where(fieldPlatformURL, platformURL).And(fieldClientID, clientID)
	if _, err := m.repo.Delete(ctx, storage.SetPrivateKey, q); err != nil {
		return fmt.Errorf("failed to delete private keys: %w", err)
	}
	if _, err := m.repo.Delete(ctx, storage.SetPublicKey, q); err != nil {
		return fmt.Errorf("failed to delete public keys: %w", err)
	}
	return nil
}

// PruneRetired deletes retired pairs whose grace window has closed. Backends
// evict them on their own; this covers records written without an expiry.
func (m *Manager) PruneRetired(ctx context.Context) (int, error) {
	records, err := m.repo.Get(ctx, storage.SetPublicKey, storage.Query{})
	if err != nil {
		return 0, fmt.Errorf("failed to list public keys: %w", err)
	}
	now := m.now()
	pruned := 0
	for _, rec := range records {
		sk, err := decodeStoredKey(rec)
		if err != nil {
			return pruned, err
		}
		if !m.pastGrace(sk, now) {
			continue
		}
		if err := m.DeleteKey(ctx, sk.KeyID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (m *Manager) pastGrace(sk storedKey, now time.Time) bool {
	return !sk.RetiredAt.IsZero() && !now.Before(sk.RetiredAt.Add(m.grace))
}

func decodeStoredKey(rec storage.Record) (storedKey, error) {
	var sk storedKey
	if err := json.Unmarshal(rec.Value, &sk); err != nil {
		return storedKey{}, fmt.Errorf("failed to decode key record %s: %w", rec.Key, err)
	}
	return sk, nil
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return rsaPub, nil
}

// parsePrivateKey accepts PKCS#8 and, for keys imported from elsewhere,
// PKCS#1.
func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}
