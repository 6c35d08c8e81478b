// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/storage"
)

// Index fields on platform records.
const (
	fieldURL      = "url"
	fieldClientID = "clientId"
)

// KeyGenerator is the part of keys.Manager the registry drives. Registry
// mutation is the only path that creates or retires tool keys.
type KeyGenerator interface {
	GenerateKeyPair(ctx context.Context, platformURL, clientID string) (string, error)
	Rotate(ctx context.Context, platformURL, clientID string) (string, error)
	DeleteKey(ctx context.Context, kid string) error
	DeleteKeys(ctx context.Context, platformURL, clientID string) error
}

// Registry stores platforms and their activation flags.
type Registry struct {
	repo storage.Repository
	keys KeyGenerator
	now  func() time.Time
}

var _ Lookup = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry.
func NewRegistry(repo storage.Repository, keys KeyGenerator, opts ...RegistryOption) *Registry {
	r := &Registry{repo: repo, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type statusValue struct {
	Active bool `json:"active"`
}

// Register stores a new platform with a fresh tool key pair. It fails with
// PLATFORM_ALREADY_REGISTERED when (url, clientId) exists, leaving the
// existing record untouched.
func (r *Registry) Register(ctx context.Context, spec Spec) (*Platform, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := ID(spec.URL, spec.ClientID)
	exists, err := r.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, alreadyRegistered(spec.URL, spec.ClientID)
	}

	kid, err := r.keys.GenerateKeyPair(ctx, spec.URL, spec.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate platform key pair: %w", err)
	}

	p := &Platform{
		ID:            id,
		URL:           spec.URL,
		ClientID:      spec.ClientID,
		Name:          spec.Name,
		AuthEndpoint:  spec.AuthEndpoint,
		TokenEndpoint: spec.TokenEndpoint,
		AuthConfig:    spec.AuthConfig,
		DeploymentIDs: slices.Clone(spec.DeploymentIDs),
		KeyID:         kid,
		CreatedAt:     r.now(),
		Active:        spec.Active,
	}
	value, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode platform: %w", err)
	}

	err = r.repo.Insert(ctx, storage.SetPlatform, storage.Record{
		Key:       id,
		Index:     map[string]string{fieldURL: p.URL, fieldClientID: p.ClientID},
		Value:     value,
		CreatedAt: p.CreatedAt,
	})
	if err != nil {
		// A concurrent registration won; drop only the key we generated.
		if rbErr := r.keys.DeleteKey(ctx, kid); rbErr != nil {
			logger.Errorw("failed to roll back platform key", "kid", kid, "error", rbErr)
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, alreadyRegistered(spec.URL, spec.ClientID)
		}
		return nil, fmt.Errorf("failed to store platform: %w", err)
	}

	if err := r.writeStatus(ctx, id, spec.Active); err != nil {
		return nil, err
	}

	logger.Infow("registered platform", "id", id, "issuer", p.URL, "client_id", p.ClientID, "active", p.Active)
	return p, nil
}

func alreadyRegistered(url, clientID string) error {
	return lterrors.Newf(lterrors.KindPlatformAlreadyRegistered,
		"platform %s with client id %s is already registered", url, clientID)
}

func (r *Registry) exists(ctx context.Context, id string) (bool, error) {
	records, err := r.repo.Get(ctx, storage.SetPlatform, storage.ByKey(id))
	if err != nil {
		return false, fmt.Errorf("failed to look up platform: %w", err)
	}
	return len(records) > 0, nil
}

// Get implements Lookup.
func (r *Registry) Get(ctx context.Context, issuer, clientID string) ([]*Platform, error) {
	q := storage.Where(fieldURL, issuer)
	if clientID != "" {
		q = q.And(fieldClientID, clientID)
	}
	return r.find(ctx, q)
}

// GetByID implements Lookup.
func (r *Registry) GetByID(ctx context.Context, id string) (*Platform, error) {
	platforms, err := r.find(ctx, storage.ByKey(id))
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		return nil, lterrors.Newf(lterrors.KindPlatformNotFound, "platform %s not found", id)
	}
	return platforms[0], nil
}

// List returns every platform in registration order.
func (r *Registry) List(ctx context.Context) ([]*Platform, error) {
	return r.find(ctx, storage.Query{})
}

func (r *Registry) find(ctx context.Context, q storage.Query) ([]*Platform, error) {
	records, err := r.repo.Get(ctx, storage.SetPlatform, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query platforms: %w", err)
	}
	platforms := make([]*Platform, 0, len(records))
	for _, rec := range records {
		var p Platform
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			return nil, fmt.Errorf("failed to decode platform %s: %w", rec.Key, err)
		}
		active, err := r.status(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		p.Active = active
		platforms = append(platforms, &p)
	}
	return platforms, nil
}

func (r *Registry) status(ctx context.Context, id string) (bool, error) {
	rec, err := storage.GetOne(ctx, r.repo, storage.SetPlatformStatus, storage.ByKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read platform status: %w", err)
	}
	var sv statusValue
	if err := json.Unmarshal(rec.Value, &sv); err != nil {
		return false, fmt.Errorf("failed to decode platform status %s: %w", id, err)
	}
	return sv.Active, nil
}

// Activate allows launches from the platform.
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, true)
}

// Deactivate rejects further launches from the platform without deleting it.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, false)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) error {
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return lterrors.Newf(lterrors.KindPlatformNotFound, "platform %s not found", id)
	}
	if err := r.writeStatus(ctx, id, active); err != nil {
		return err
	}
	logger.Infow("changed platform activation", "id", id, "active", active)
	return nil
}

func (r *Registry) writeStatus(ctx context.Context, id string, active bool) error {
	value, err := json.Marshal(statusValue{Active: active})
	if err != nil {
		return fmt.Errorf("failed to encode platform status: %w", err)
	}
	n, err := r.repo.Update(ctx, storage.SetPlatformStatus, storage.ByKey(id), storage.Patch{Value: value})
	if err != nil {
		return fmt.Errorf("failed to update platform status: %w", err)
	}
	if n > 0 {
		return nil
	}
	err = r.repo.Insert(ctx, storage.SetPlatformStatus, storage.Record{Key: id, Value: value})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Lost a race with another writer; apply ours on top.
		_, err = r.repo.Update(ctx, storage.SetPlatformStatus, storage.ByKey(id), storage.Patch{Value: value})
	}
	if err != nil {
		return fmt.Errorf("failed to store platform status: %w", err)
	}
	return nil
}

// Update changes a platform's mutable fields. The (url, clientId) identity
// and the key id never change here.
func (r *Registry) Update(ctx context.Context, id string, u Update) (*Platform, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.AuthEndpoint != nil {
		p.AuthEndpoint = *u.AuthEndpoint
	}
	if u.TokenEndpoint != nil {
		p.TokenEndpoint = *u.TokenEndpoint
	}
	if u.AuthConfig != nil {
		p.AuthConfig = *u.AuthConfig
	}
	if u.DeploymentIDs != nil {
		p.DeploymentIDs = slices.Clone(u.DeploymentIDs)
	}

	spec := Spec{
		URL:           p.URL,
		ClientID:      p.ClientID,
		Name:          p.Name,
		AuthEndpoint:  p.AuthEndpoint,
		TokenEndpoint: p.TokenEndpoint,
		AuthConfig:    p.AuthConfig,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := r.save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RotateKey issues a new tool key for the platform and retires the old one.
func (r *Registry) RotateKey(ctx context.Context, id string) (*Platform, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	kid, err := r.keys.Rotate(ctx, p.URL, p.ClientID)
	if err != nil {
		return nil, err
	}
	p.KeyID = kid
	if err := r.save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a platform together with its keys. Deactivate is the normal
// way to stop trusting a platform; Delete is for operator cleanup.
func (r *Registry) Delete(ctx context.Context, id string) error {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.repo.Delete(ctx, storage.SetPlatform, storage.ByKey(id)); err != nil {
		return fmt.Errorf("failed to delete platform: %w", err)
	}
	if _, err := r.repo.Delete(ctx, storage.SetPlatformStatus, storage.ByKey(id)); err != nil {
		return fmt.Errorf("failed to delete platform status: %w", err)
	}
	if err := r.keys.DeleteKeys(ctx, p.URL, p.ClientID); err != nil {
		return err
	}
	logger.Infow("deleted platform", "id", id, "issuer", p.URL, "client_id", p.ClientID)
	return nil
}

func (r *Registry) save(ctx context.Context, p *Platform) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode platform: %w", err)
	}
	n, err := r.repo.Update(ctx, storage.SetPlatform, storage.ByKey(p.ID), storage.Patch{Value: value})
	if err != nil {
		return fmt.Errorf("failed to update platform: %w", err)
	}
	if n == 0 {
		return lterrors.Newf(lterrors.KindPlatformNotFound, "platform %s not found", p.ID)
	}
	return nil
}
