// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package factory builds the configured storage.Repository.
package factory

import (
	"context"
	"fmt"

	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/sqlite"
)

// New opens the backend selected by cfg and wraps it with at-rest
// encryption when an encryption key is configured.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	var (
		backend storage.Repository
		err     error
	)
	switch cfg.Type {
	case storage.TypeMemory:
		backend = storage.NewMemoryRepository(storage.WithCleanupInterval(cfg.CleanupInterval))
	case storage.TypeRedis:
		backend, err = storage.NewRedisRepository(ctx, cfg.Redis)
	case storage.TypeSQLite:
		backend, err = sqlite.Open(ctx, cfg.SQLite.Path, sqlite.WithCleanupInterval(cfg.CleanupInterval))
	}
	if err != nil {
		return nil, err
	}

	repo, err := storage.NewEncryptedRepository(backend, cfg.EncryptionKey)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	logger.Infow("storage initialized", "type", string(cfg.Type), "encrypted", cfg.EncryptionKey != "")
	return repo, nil
}
