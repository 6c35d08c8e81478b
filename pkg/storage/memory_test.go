// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/storagetest"
)

func newMemoryHarness(t *testing.T) storagetest.Harness {
	t.Helper()
	clock := storagetest.NewClock()
	repo := storage.NewMemoryRepository(storage.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = repo.Close() })
	return storagetest.Harness{Repo: repo, Now: clock.Now, Advance: clock.Advance}
}

func TestMemoryRepository_Contract(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, newMemoryHarness)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	ctx := t.Context()

	value := []byte("original")
	require.NoError(t, h.Repo.Insert(ctx, storage.SetState, storage.Record{
		Key: "s", Index: map[string]string{"iss": "a"}, Value: value,
	}))
	value[0] = 'X'

	rec, err := storage.GetOne(ctx, h.Repo, storage.SetState, storage.ByKey("s"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(rec.Value))

	rec.Index["iss"] = "mutated"
	again, err := storage.GetOne(ctx, h.Repo, storage.SetState, storage.ByKey("s"))
	require.NoError(t, err)
	assert.Equal(t, "a", again.Index["iss"])
}

func TestMemoryRepository_CleanupLoop(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(storage.WithCleanupInterval(10 * time.Millisecond))
	ctx := t.Context()

	require.NoError(t, repo.Insert(ctx, storage.SetNonce, storage.Record{
		Key: "n", Value: []byte("v"), ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}))

	require.Eventually(t, func() bool {
		// Insert succeeds only once the sweeper has removed the entry or it
		// has expired, both of which free the key.
		err := repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "n", Value: []byte("v2")})
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
}

func TestQuery(t *testing.T) {
	t.Parallel()

	q := storage.Where("url", "https://lms.example").And("clientId", "c1")
	assert.Equal(t, "clientId=c1,url=https://lms.example", q.String())

	base := storage.Where("a", "1")
	_ = base.And("b", "2")
	assert.Len(t, base.Fields, 1, "And must not mutate the receiver")

	rec := storage.Record{Key: "k", Index: map[string]string{"url": "https://lms.example", "clientId": "c1"}}
	assert.True(t, rec.Matches(q))
	assert.True(t, rec.Matches(storage.Query{}))
	assert.False(t, rec.Matches(storage.ByKey("other")))
	assert.False(t, rec.Matches(storage.Where("clientId", "c2")))

	now := time.Now()
	assert.False(t, storage.Record{}.Expired(now))
	assert.True(t, storage.Record{ExpiresAt: now}.Expired(now))
	assert.False(t, storage.Record{ExpiresAt: now.Add(time.Second)}.Expired(now))
}
