// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/lti/keys"
	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/mocks"
	"github.com/stacklok/ltitool/pkg/storage/storagetest"
)

const (
	platformURL = "https://lms.example"
	clientID    = "tool-client"
)

func newManager(t *testing.T) (*keys.Manager, storage.Repository, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	repo := storage.NewMemoryRepository(storage.WithMemoryClock(clock.Now), storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = repo.Close() })
	return keys.NewManager(repo, keys.WithClock(clock.Now)), repo, clock
}

func TestManager_GenerateKeyPair(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, repo, _ := newManager(t)

	kid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	priv, err := storage.GetOne(ctx, repo, storage.SetPrivateKey, storage.ByKey(kid))
	require.NoError(t, err)
	assert.Contains(t, string(priv.Value), "PRIVATE KEY")
	assert.Equal(t, platformURL, priv.Index["platformUrl"])
	assert.Equal(t, clientID, priv.Index["clientId"])

	pub, err := storage.GetOne(ctx, repo, storage.SetPublicKey, storage.ByKey(kid))
	require.NoError(t, err)
	assert.Contains(t, string(pub.Value), "PUBLIC KEY")
	assert.NotContains(t, string(pub.Value), "PRIVATE KEY")

	active, err := m.ActiveKeyID(ctx, platformURL, clientID)
	require.NoError(t, err)
	assert.Equal(t, kid, active)
}

func TestManager_GenerateKeyPairStoreFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)

	gomock.InOrder(
		repo.EXPECT().Insert(gomock.Any(), storage.SetPrivateKey, gomock.Any()).Return(nil),
		repo.EXPECT().Insert(gomock.Any(), storage.SetPublicKey, gomock.Any()).Return(errors.New("disk full")),
		repo.EXPECT().Delete(gomock.Any(), storage.SetPrivateKey, gomock.Any()).Return(1, nil),
	)

	_, err := keys.NewManager(repo).GenerateKeyPair(t.Context(), platformURL, clientID)
	require.ErrorContains(t, err, "disk full")
}

func TestManager_PublicJWKS(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, _ := newManager(t)

	kid1, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	kid2, err := m.GenerateKeyPair(ctx, "https://other.example", "other")
	require.NoError(t, err)

	set, err := m.PublicJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)

	kids := []string{set.Keys[0].KeyID, set.Keys[1].KeyID}
	assert.ElementsMatch(t, []string{kid1, kid2}, kids)
	for _, k := range set.Keys {
		assert.Equal(t, "RS256", k.Algorithm)
		assert.Equal(t, "sig", k.Use)
		assert.True(t, k.IsPublic())
	}

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, k := range doc.Keys {
		assert.Equal(t, "RSA", k["kty"])
		assert.NotEmpty(t, k["n"])
		assert.NotEmpty(t, k["e"])
		assert.NotContains(t, k, "d")
		assert.NotContains(t, k, "p")
	}
}

func TestManager_SignAndVerify(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, _ := newManager(t)

	kid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)

	signed, err := m.SignForPlatform(ctx, platformURL, clientID, jwt.MapClaims{"iss": clientID, "sub": clientID})
	require.NoError(t, err)

	pub, err := m.PublicKey(ctx, kid)
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, kid, tok.Header["kid"])
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	sub, err := token.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, clientID, sub)
}

func TestManager_SignUnknownKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, _ := newManager(t)

	_, err := m.Sign(ctx, jwt.MapClaims{}, "missing")
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)

	_, err = m.SignForPlatform(ctx, platformURL, clientID, jwt.MapClaims{})
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)

	_, err = m.PublicKey(ctx, "missing")
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)
}

func TestManager_Rotate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, clock := newManager(t)

	oldKid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	newKid, err := m.Rotate(ctx, platformURL, clientID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, newKid)

	active, err := m.ActiveKeyID(ctx, platformURL, clientID)
	require.NoError(t, err)
	assert.Equal(t, newKid, active)

	_, err = m.Sign(ctx, jwt.MapClaims{}, oldKid)
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)
	assert.Equal(t, lterrors.ReasonKeyRetired, lterrors.ReasonOf(err))

	pairs, err := m.KeyPairs(ctx, platformURL, clientID)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.False(t, pairs[0].Active())
	assert.True(t, pairs[1].Active())

	// The retired key stays published, and verifiable, during the grace window.
	set, err := m.PublicJWKS(ctx)
	require.NoError(t, err)
	assert.Len(t, set.Keys, 2)
	_, err = m.PublicKey(ctx, oldKid)
	require.NoError(t, err)

	clock.Advance(keys.DefaultRotationGrace)

	set, err = m.PublicJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, newKid, set.Keys[0].KeyID)
	_, err = m.PublicKey(ctx, oldKid)
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)
}

func TestManager_RotateWithoutExistingKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, _ := newManager(t)

	kid, err := m.Rotate(ctx, platformURL, clientID)
	require.NoError(t, err)

	active, err := m.ActiveKeyID(ctx, platformURL, clientID)
	require.NoError(t, err)
	assert.Equal(t, kid, active)
}

func TestManager_DeleteKeys(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, repo, _ := newManager(t)

	_, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	otherKid, err := m.GenerateKeyPair(ctx, "https://other.example", clientID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteKeys(ctx, platformURL, clientID))

	for _, set := range []string{storage.SetPrivateKey, storage.SetPublicKey} {
		records, err := repo.Get(ctx, set, storage.Query{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, otherKid, records[0].Key)
	}
}

func TestManager_PruneRetired(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	clock := storagetest.NewClock()
	// A backend clock that never advances stands in for a store that has not
	// evicted yet.
	repo := storage.NewMemoryRepository(storage.WithCleanupInterval(time.Hour), storage.WithMemoryClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	t.Cleanup(func() { _ = repo.Close() })
	m := keys.NewManager(repo, keys.WithClock(clock.Now), keys.WithRotationGrace(time.Hour))

	oldKid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	_, err = m.Rotate(ctx, platformURL, clientID)
	require.NoError(t, err)

	pruned, err := m.PruneRetired(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	clock.Advance(2 * time.Hour)
	pruned, err = m.PruneRetired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	records, err := repo.Get(ctx, storage.SetPrivateKey, storage.ByKey(oldKid))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_DeleteKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m, _, _ := newManager(t)

	kid, err := m.GenerateKeyPair(ctx, platformURL, clientID)
	require.NoError(t, err)
	require.NoError(t, m.DeleteKey(ctx, kid))

	set, err := m.PublicJWKS(ctx)
	require.NoError(t, err)
	assert.Empty(t, set.Keys)
	_, err = m.Sign(ctx, jwt.MapClaims{}, kid)
	require.ErrorIs(t, err, lterrors.ErrKeyNotFound)
}
