// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package factory

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/sqlite"
)

func TestNew(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     storage.Config
		check   func(t *testing.T, repo storage.Repository)
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  storage.DefaultConfig(),
			check: func(t *testing.T, repo storage.Repository) {
				t.Helper()
				assert.IsType(t, &storage.MemoryRepository{}, repo)
			},
		},
		{
			name: "memory encrypted",
			cfg:  storage.Config{Type: storage.TypeMemory, EncryptionKey: "k"},
			check: func(t *testing.T, repo storage.Repository) {
				t.Helper()
				assert.IsType(t, &storage.EncryptedRepository{}, repo)
			},
		},
		{
			name: "sqlite",
			cfg:  storage.Config{Type: storage.TypeSQLite, SQLite: storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "f.db")}},
			check: func(t *testing.T, repo storage.Repository) {
				t.Helper()
				assert.IsType(t, &sqlite.Repository{}, repo)
			},
		},
		{
			name: "redis",
			cfg:  storage.Config{Type: storage.TypeRedis, Redis: storage.RedisConfig{Addrs: []string{mr.Addr()}, KeyPrefix: "lti:"}},
			check: func(t *testing.T, repo storage.Repository) {
				t.Helper()
				assert.IsType(t, &storage.RedisRepository{}, repo)
			},
		},
		{
			name:    "invalid",
			cfg:     storage.Config{Type: "etcd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo, err := New(t.Context(), tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			tt.check(t, repo)
		})
	}
}
