// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"time"
)

// Type selects a storage backend.
type Type string

const (
	// TypeMemory keeps records in process memory (default).
	TypeMemory Type = "memory"
	// TypeRedis stores records in Redis, standalone or Sentinel.
	TypeRedis Type = "redis"
	// TypeSQLite stores records in a local SQLite file.
	TypeSQLite Type = "sqlite"
)

// Config selects and configures the backend.
type Config struct {
	Type Type `yaml:"type"`
	// EncryptionKey seals values at rest. Empty stores plaintext.
	EncryptionKey   string        `yaml:"encryptionKey,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanupInterval,omitempty"`
	Redis           RedisConfig   `yaml:"redis,omitempty"`
	SQLite          SQLiteConfig  `yaml:"sqlite,omitempty"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Type:            TypeMemory,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Validate checks the backend-specific settings.
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypeRedis:
		return validateRedisConfig(&c.Redis)
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}
