// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package launch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/lti/launch"
	"github.com/stacklok/ltitool/pkg/storage/storagetest"
)

func TestJWKSCache_SharesConcurrentFetches(t *testing.T) {
	t.Parallel()
	fp := newFakePlatform(t)
	cache := launch.NewJWKSCache(fp.srv.Client())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := cache.Key(t.Context(), fp.srv.URL, "platform-key-1")
			assert.NoError(t, err)
			assert.NotNil(t, key)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, fp.hits.Load(), int64(10))
	assert.GreaterOrEqual(t, fp.hits.Load(), int64(1))

	before := fp.hits.Load()
	_, err := cache.Key(t.Context(), fp.srv.URL, "platform-key-1")
	require.NoError(t, err)
	assert.Equal(t, before, fp.hits.Load(), "warm cache does not refetch")
}

func TestJWKSCache_TTLAndRefreshLimits(t *testing.T) {
	t.Parallel()
	fp := newFakePlatform(t)
	clock := storagetest.NewClock()
	cache := launch.NewJWKSCache(fp.srv.Client(), launch.WithJWKSClock(clock.Now), launch.WithJWKSCacheTTL(time.Minute))
	ctx := t.Context()

	_, err := cache.Key(ctx, fp.srv.URL, "platform-key-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, fp.hits.Load())

	// A kid miss right after a fetch does not refetch.
	_, err = cache.Key(ctx, fp.srv.URL, "made-up")
	require.ErrorIs(t, err, lterrors.ErrInvalidToken)
	assert.Equal(t, lterrors.ReasonUnknownKID, lterrors.ReasonOf(err))
	assert.EqualValues(t, 1, fp.hits.Load())

	clock.Advance(10 * time.Second)
	_, err = cache.Key(ctx, fp.srv.URL, "made-up")
	require.Error(t, err)
	assert.EqualValues(t, 2, fp.hits.Load())

	clock.Advance(time.Minute)
	_, err = cache.Key(ctx, fp.srv.URL, "platform-key-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, fp.hits.Load(), "expired set is refetched")

	cache.Invalidate(fp.srv.URL)
	_, err = cache.Key(ctx, fp.srv.URL, "platform-key-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, fp.hits.Load())
}

func TestJWKSCache_EmptyKid(t *testing.T) {
	t.Parallel()
	fp := newFakePlatform(t)
	cache := launch.NewJWKSCache(fp.srv.Client())

	_, err := cache.Key(t.Context(), fp.srv.URL, "")
	require.NoError(t, err, "a single-key set matches a token without kid")

	fp.addKey(t, "platform-key-2")
	cache.Invalidate(fp.srv.URL)
	_, err = cache.Key(t.Context(), fp.srv.URL, "")
	assert.Equal(t, lterrors.ReasonUnknownKID, lterrors.ReasonOf(err))
}

func TestParseRSAPublicKey(t *testing.T) {
	t.Parallel()

	_, err := launch.ParseRSAPublicKey("not pem")
	assert.Equal(t, lterrors.KindInvalidPlatformConfig, lterrors.KindOf(err))

	_, err = launch.ParseRSAPublicKey("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	assert.Equal(t, lterrors.KindInvalidPlatformConfig, lterrors.KindOf(err))
}
