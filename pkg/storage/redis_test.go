// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/storagetest"
)

func newRedisHarness(t *testing.T) (storagetest.Harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := storage.NewRedisRepositoryWithClient(client, "lti:test:")
	t.Cleanup(func() { _ = repo.Close() })
	return storagetest.Harness{Repo: repo, Now: time.Now, Advance: mr.FastForward}, mr
}

func TestRedisRepository_Contract(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		h, _ := newRedisHarness(t)
		return h
	})
}

func TestRedisRepository_KeyLayoutAndTTL(t *testing.T) {
	t.Parallel()
	h, mr := newRedisHarness(t)
	ctx := t.Context()

	require.NoError(t, h.Repo.Insert(ctx, storage.SetNonce, storage.Record{
		Key: "abc", Index: map[string]string{"iss": "https://lms.example"},
		Value: []byte("v"), ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	assert.True(t, mr.Exists("lti:test:nonce:r:abc"))
	ttl := mr.TTL("lti:test:nonce:r:abc")
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	members, err := mr.SMembers("lti:test:nonce:i:iss=https://lms.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)
}

func TestRedisRepository_PrunesStaleIndexMembers(t *testing.T) {
	t.Parallel()
	h, mr := newRedisHarness(t)
	ctx := t.Context()

	require.NoError(t, h.Repo.Insert(ctx, storage.SetState, storage.Record{
		Key: "s", Index: map[string]string{"iss": "x"}, Value: []byte("v"), ExpiresAt: time.Now().Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)

	records, err := h.Repo.Get(ctx, storage.SetState, storage.Where("iss", "x"))
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.False(t, mr.Exists("lti:test:state:i:iss=x"), "index set should be emptied")
}

func TestNewRedisRepository_Validation(t *testing.T) {
	t.Parallel()

	_, err := storage.NewRedisRepository(t.Context(), storage.RedisConfig{KeyPrefix: "p:"})
	require.ErrorContains(t, err, "address")

	_, err = storage.NewRedisRepository(t.Context(), storage.RedisConfig{Addrs: []string{"localhost:1"}})
	require.ErrorContains(t, err, "key prefix")
}

func TestNewRedisRepository_Connects(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	repo, err := storage.NewRedisRepository(t.Context(), storage.RedisConfig{
		Addrs:     []string{mr.Addr()},
		KeyPrefix: "lti:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.Ping(t.Context()))
}
