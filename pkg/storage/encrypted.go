// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/stacklok/ltitool/pkg/logger"
)

// hkdfInfo domain-separates the storage key from other uses of the secret.
const hkdfInfo = "ltitool/storage/v1"

// ErrDecrypt is returned when a stored value cannot be opened with the
// configured key.
var ErrDecrypt = errors.New("failed to decrypt record value")

// EncryptedRepository seals record values with XChaCha20-Poly1305 before
// handing them to the wrapped backend. Index fields stay in plaintext so
// queries keep working. The set name and record key are bound as associated
// data, so a ciphertext moved to another record fails to open.
type EncryptedRepository struct {
	inner Repository
	aead  cipher.AEAD
}

var _ Repository = (*EncryptedRepository)(nil)

// NewEncryptedRepository wraps inner with at-rest encryption keyed by secret.
// An empty secret returns inner unchanged and logs that values are stored in
// plaintext.
func NewEncryptedRepository(inner Repository, secret string) (Repository, error) {
	if secret == "" {
		logger.Warn("no storage encryption key configured: private keys and access tokens are stored in plaintext")
		return inner, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &EncryptedRepository{inner: inner, aead: aead}, nil
}

func associatedData(set, key string) []byte {
	return []byte(set + "\x00" + key)
}

func (r *EncryptedRepository) seal(set, key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, r.aead.NonceSize(), r.aead.NonceSize()+len(plaintext)+r.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return r.aead.Seal(nonce, nonce, plaintext, associatedData(set, key)), nil
}

func (r *EncryptedRepository) open(set, key string, sealed []byte) ([]byte, error) {
	if len(sealed) < r.aead.NonceSize()+r.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:r.aead.NonceSize()], sealed[r.aead.NonceSize():]
	plaintext, err := r.aead.Open(nil, nonce, ciphertext, associatedData(set, key))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Get implements Repository.
func (r *EncryptedRepository) Get(ctx context.Context, set string, q Query) ([]Record, error) {
	records, err := r.inner.Get(ctx, set, q)
	if err != nil {
		return nil, err
	}
	for i := range records {
		plaintext, err := r.open(set, records[i].Key, records[i].Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s", err, set, records[i].Key)
		}
		records[i].Value = plaintext
	}
	return records, nil
}

// Insert implements Repository.
func (r *EncryptedRepository) Insert(ctx context.Context, set string, rec Record) error {
	if rec.Key == "" {
		return ErrInvalidRecord
	}
	sealed, err := r.seal(set, rec.Key, rec.Value)
	if err != nil {
		return err
	}
	rec.Value = sealed
	return r.inner.Insert(ctx, set, rec)
}

// Update implements Repository. A new value is sealed per record because the
// associated data differs by key.
func (r *EncryptedRepository) Update(ctx context.Context, set string, q Query, patch Patch) (int, error) {
	if patch.Value == nil {
		return r.inner.Update(ctx, set, q, patch)
	}

	keys := []string{q.Key}
	if q.Key == "" {
		matches, err := r.inner.Get(ctx, set, q)
		if err != nil {
			return 0, err
		}
		keys = keys[:0]
		for _, rec := range matches {
			keys = append(keys, rec.Key)
		}
	}

	updated := 0
	for _, key := range keys {
		sealed, err := r.seal(set, key, patch.Value)
		if err != nil {
			return updated, err
		}
		n, err := r.inner.Update(ctx, set, Query{Key: key, Fields: q.Fields}, Patch{Value: sealed, ExpiresAt: patch.ExpiresAt})
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}

// Delete implements Repository.
func (r *EncryptedRepository) Delete(ctx context.Context, set string, q Query) (int, error) {
	return r.inner.Delete(ctx, set, q)
}

// Close closes the wrapped repository.
func (r *EncryptedRepository) Close() error {
	return r.inner.Close()
}
