// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package statestore keeps the single-use state and nonce values that bind a
// login request to its launch.
//
// Uniqueness is enforced by the Repository insert itself: a state value is
// reserved by inserting it, and a nonce is consumed by inserting it. Neither
// path reads before writing.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/storage"
)

const (
	// DefaultStateTTL bounds the login to launch round trip.
	DefaultStateTTL = 10 * time.Minute

	// DefaultNonceTTL is the minimum time a consumed nonce is remembered.
	DefaultNonceTTL = 10 * time.Minute

	maxStateAttempts = 5
)

// State is a pending login.
type State struct {
	Value  string `json:"-"`
	Issuer string `json:"iss"`
	// Query holds the target_link_uri query parameters split off at login.
	Query     url.Values `json:"query,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Store mints and consumes state and nonce values.
type Store struct {
	repo     storage.Repository
	stateTTL time.Duration
	nonceTTL time.Duration
	now      func() time.Time
	generate func() string
}

// Option configures a Store.
type Option func(*Store)

// WithStateTTL overrides DefaultStateTTL.
func WithStateTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.stateTTL = d
		}
	}
}

// WithNonceTTL overrides DefaultNonceTTL.
func WithNonceTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.nonceTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithGenerator overrides the random value source.
func WithGenerator(generate func() string) Option {
	return func(s *Store) {
		s.generate = generate
	}
}

// New creates a Store. Values default to 256 bits of crypto/rand encoded as
// base64url.
func New(repo storage.Repository, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		stateTTL: DefaultStateTTL,
		nonceTTL: DefaultNonceTTL,
		now:      time.Now,
		generate: oauth2.GenerateVerifier,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateState reserves a fresh state value for a login against issuer,
// preserving query for the launch.
func (s *Store) CreateState(ctx context.Context, issuer string, query url.Values) (*State, error) {
	now := s.now()
	st := &State{
		Issuer:    issuer,
		Query:     query,
		CreatedAt: now,
		ExpiresAt: now.Add(s.stateTTL),
	}
	value, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	for range maxStateAttempts {
		st.Value = s.generate()
		err := s.repo.Insert(ctx, storage.SetState, storage.Record{
			Key:       st.Value,
			Value:     value,
			CreatedAt: now,
			ExpiresAt: st.ExpiresAt,
		})
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to store state: %w", err)
		}
		logger.Debugw("state value collision, regenerating", "state", logger.Mask(st.Value))
	}
	return nil, lterrors.Newf(lterrors.KindInternal, "could not reserve a unique state after %d attempts", maxStateAttempts)
}

// State returns the pending login for value. Unknown, consumed and expired
// values fail with STATE_MISMATCH.
func (s *Store) State(ctx context.Context, value string) (*State, error) {
	if value == "" {
		return nil, lterrors.New(lterrors.KindStateMismatch, "state is empty")
	}
	rec, err := storage.GetOne(ctx, s.repo, storage.SetState, storage.ByKey(value))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lterrors.New(lterrors.KindStateMismatch, "state is unknown or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(rec.Value, &st); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	st.Value = value
	return &st, nil
}

// DeleteState consumes a state value. It reports whether this call removed
// it, so concurrent consumers can tell which one won.
func (s *Store) DeleteState(ctx context.Context, value string) (bool, error) {
	n, err := s.repo.Delete(ctx, storage.SetState, storage.ByKey(value))
	if err != nil {
		return false, fmt.Errorf("failed to delete state: %w", err)
	}
	return n > 0, nil
}

// NewNonce returns a random nonce for an authentication request. Nonces are
// not persisted until a launch presents them.
func (s *Store) NewNonce() string {
	return s.generate()
}

// UseNonce records nonce as consumed. It is remembered for at least the nonce
// TTL and at least until notBefore, normally the token's expiry, so a token
// cannot outlive the record of its nonce. A second use fails with
// NONCE_REPLAYED.
func (s *Store) UseNonce(ctx context.Context, nonce string, notBefore time.Time) error {
	if nonce == "" {
		return lterrors.InvalidToken(lterrors.ReasonMissingNonce, "token has no nonce", nil)
	}
	now := s.now()
	expiresAt := now.Add(s.nonceTTL)
	if notBefore.After(expiresAt) {
		expiresAt = notBefore
	}

	err := s.repo.Insert(ctx, storage.SetNonce, storage.Record{
		Key:       nonce,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return lterrors.New(lterrors.KindNonceReplayed, "nonce has already been used")
	}
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	return nil
}
