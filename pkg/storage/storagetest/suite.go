// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides a conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltitool/pkg/storage"
)

// Harness is a fresh backend plus a way to move its notion of time forward.
type Harness struct {
	Repo    storage.Repository
	Now     func() time.Time
	Advance func(d time.Duration)
}

// Clock is a manually advanced time source for backends that accept one.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run exercises the Repository contract. newHarness is called once per
// subtest and must return an isolated backend.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("insert and get by key", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetPlatform, storage.Record{
			Key:   "p1",
			Index: map[string]string{"url": "https://lms.example", "clientId": "c1"},
			Value: []byte(`{"name":"LMS"}`),
		}))

		rec, err := storage.GetOne(ctx, h.Repo, storage.SetPlatform, storage.ByKey("p1"))
		require.NoError(t, err)
		assert.Equal(t, "p1", rec.Key)
		assert.JSONEq(t, `{"name":"LMS"}`, string(rec.Value))
		assert.Equal(t, "https://lms.example", rec.Index["url"])
		assert.False(t, rec.CreatedAt.IsZero())

		records, err := h.Repo.Get(ctx, storage.SetPlatform, storage.ByKey("missing"))
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = storage.GetOne(ctx, h.Repo, storage.SetState, storage.Query{})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("insert rejects empty key", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		err := h.Repo.Insert(t.Context(), storage.SetNonce, storage.Record{Value: []byte("x")})
		require.ErrorIs(t, err, storage.ErrInvalidRecord)
	})

	t.Run("insert rejects an expired record", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		err := h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "n1", ExpiresAt: h.Now()})
		require.ErrorIs(t, err, storage.ErrExpiredRecord)
		err = h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "n2", ExpiresAt: h.Now().Add(-time.Minute)})
		require.ErrorIs(t, err, storage.ErrExpiredRecord)

		n, err := h.Repo.Delete(ctx, storage.SetNonce, storage.Query{})
		require.NoError(t, err)
		assert.Zero(t, n, "nothing is stored")
	})

	t.Run("duplicate insert fails and keeps original", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "n1", Value: []byte("first")}))
		err := h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "n1", Value: []byte("second")})
		require.ErrorIs(t, err, storage.ErrAlreadyExists)

		rec, err := storage.GetOne(ctx, h.Repo, storage.SetNonce, storage.ByKey("n1"))
		require.NoError(t, err)
		assert.Equal(t, "first", string(rec.Value))
	})

	t.Run("same key in different sets", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "k", Value: []byte("nonce")}))
		require.NoError(t, h.Repo.Insert(ctx, storage.SetState, storage.Record{Key: "k", Value: []byte("state")}))
	})

	t.Run("query by index fields in creation order", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()
		base := h.Now()

		for i, rec := range []storage.Record{
			{Key: "b", Index: map[string]string{"url": "https://a.example", "clientId": "2"}},
			{Key: "a", Index: map[string]string{"url": "https://a.example", "clientId": "1"}},
			{Key: "c", Index: map[string]string{"url": "https://b.example", "clientId": "1"}},
		} {
			rec.Value = []byte(rec.Key)
			rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, h.Repo.Insert(ctx, storage.SetPlatform, rec))
		}

		records, err := h.Repo.Get(ctx, storage.SetPlatform, storage.Where("url", "https://a.example"))
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "b", records[0].Key)
		assert.Equal(t, "a", records[1].Key)

		records, err = h.Repo.Get(ctx, storage.SetPlatform,
			storage.Where("url", "https://a.example").And("clientId", "1"))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "a", records[0].Key)

		all, err := h.Repo.Get(ctx, storage.SetPlatform, storage.Query{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("update value and count", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetPlatformStatus, storage.Record{
			Key: "p1", Index: map[string]string{"active": "false"}, Value: []byte(`{"active":false}`),
		}))

		n, err := h.Repo.Update(ctx, storage.SetPlatformStatus, storage.ByKey("p1"),
			storage.Patch{Value: []byte(`{"active":true}`)})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = h.Repo.Update(ctx, storage.SetPlatformStatus, storage.ByKey("nope"),
			storage.Patch{Value: []byte(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		rec, err := storage.GetOne(ctx, h.Repo, storage.SetPlatformStatus, storage.ByKey("p1"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"active":true}`, string(rec.Value))
	})

	t.Run("delete by index", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		for _, key := range []string{"k1", "k2"} {
			require.NoError(t, h.Repo.Insert(ctx, storage.SetPublicKey, storage.Record{
				Key: key, Index: map[string]string{"clientId": "c1"}, Value: []byte(key),
			}))
		}
		require.NoError(t, h.Repo.Insert(ctx, storage.SetPublicKey, storage.Record{
			Key: "k3", Index: map[string]string{"clientId": "c2"}, Value: []byte("k3"),
		}))

		n, err := h.Repo.Delete(ctx, storage.SetPublicKey, storage.Where("clientId", "c1"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		remaining, err := h.Repo.Get(ctx, storage.SetPublicKey, storage.Query{})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "k3", remaining[0].Key)

		n, err = h.Repo.Delete(ctx, storage.SetPublicKey, storage.ByKey("k1"))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("expired records are invisible and replaceable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetState, storage.Record{
			Key: "s1", Value: []byte("v1"), ExpiresAt: h.Now().Add(time.Minute),
		}))
		_, err := storage.GetOne(ctx, h.Repo, storage.SetState, storage.ByKey("s1"))
		require.NoError(t, err)

		h.Advance(2 * time.Minute)

		_, err = storage.GetOne(ctx, h.Repo, storage.SetState, storage.ByKey("s1"))
		require.ErrorIs(t, err, storage.ErrNotFound)

		n, err := h.Repo.Update(ctx, storage.SetState, storage.ByKey("s1"), storage.Patch{Value: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, h.Repo.Insert(ctx, storage.SetState, storage.Record{
			Key: "s1", Value: []byte("v2"), ExpiresAt: h.Now().Add(time.Minute),
		}))
		rec, err := storage.GetOne(ctx, h.Repo, storage.SetState, storage.ByKey("s1"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(rec.Value))
	})

	t.Run("update sets expiry", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Repo.Insert(ctx, storage.SetPrivateKey, storage.Record{Key: "kid1", Value: []byte("pem")}))

		retireAt := h.Now().Add(time.Hour)
		n, err := h.Repo.Update(ctx, storage.SetPrivateKey, storage.ByKey("kid1"), storage.Patch{ExpiresAt: &retireAt})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := storage.GetOne(ctx, h.Repo, storage.SetPrivateKey, storage.ByKey("kid1"))
		require.NoError(t, err)
		assert.Equal(t, "pem", string(rec.Value))
		assert.WithinDuration(t, retireAt, rec.ExpiresAt, time.Second)

		h.Advance(2 * time.Hour)
		records, err := h.Repo.Get(ctx, storage.SetPrivateKey, storage.Query{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("concurrent inserts of one key admit exactly one", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := t.Context()

		const workers = 16
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := h.Repo.Insert(ctx, storage.SetNonce, storage.Record{Key: "race", Value: []byte("v")})
				switch {
				case err == nil:
					succeeded.Add(1)
				case assert.ErrorIs(t, err, storage.ErrAlreadyExists):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(workers-1), conflicts.Load())
	})
}
