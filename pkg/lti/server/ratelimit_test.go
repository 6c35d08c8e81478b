// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRateLimiter_Refills(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := newRateLimiter(60, clock.now)
	require.NotNil(t, l)
	assert.Equal(t, 6, l.burst)

	for range 6 {
		assert.True(t, l.allow("10.0.0.1"))
	}
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "clients have separate buckets")

	clock.t = clock.t.Add(time.Second)
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := newRateLimiter(1, clock.now)

	assert.True(t, l.allow("10.0.0.1"))
	clock.t = clock.t.Add(limiterIdle + time.Second)
	assert.True(t, l.allow("10.0.0.2"))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "10.0.0.1")
	assert.Contains(t, l.clients, "10.0.0.2")
}

func TestRateLimiter_Disabled(t *testing.T) {
	t.Parallel()
	l := newRateLimiter(0, time.Now)
	assert.Nil(t, l)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := l.middleware(next)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(req))
}

func TestEnvelopeFor(t *testing.T) {
	t.Parallel()
	env := envelopeFor(&http.MaxBytesError{Limit: 10})
	assert.Equal(t, http.StatusRequestEntityTooLarge, env.Status)
	assert.Equal(t, "REQUEST_TOO_LARGE", env.Error)
}
