// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/ltitool/pkg/logger"
)

// DefaultCleanupInterval is how often expired records are swept.
const DefaultCleanupInterval = time.Minute

// timedEntry wraps a record with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryRepository keeps record sets in process memory. It is safe for
// concurrent use but is not shared between processes, so deployments that
// run more than one replica need Redis or a shared SQLite file.
type MemoryRepository struct {
	mu   sync.RWMutex
	sets map[string]map[string]*timedEntry[Record]

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithCleanupInterval sets the sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(r *MemoryRepository) {
		if interval > 0 {
			r.cleanupInterval = interval
		}
	}
}

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		r.now = now
	}
}

// NewMemoryRepository creates an empty repository and starts its sweeper.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		sets:            make(map[string]map[string]*timedEntry[Record]),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.cleanupLoop()

	return r
}

var _ Repository = (*MemoryRepository)(nil)

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, set string, q Query) ([]Record, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]Record, 0)
	for _, entry := range r.candidates(set, q) {
		if entry.expired(now) || !entry.value.Matches(q) {
			continue
		}
		records = append(records, entry.value.clone())
	}
	sortRecords(records)
	return records, nil
}

// Insert implements Repository.
func (r *MemoryRepository) Insert(_ context.Context, set string, rec Record) error {
	if rec.Key == "" {
		return ErrInvalidRecord
	}
	now := r.now()
	if rec.Expired(now) {
		return ErrExpiredRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.sets[set]
	if !ok {
		entries = make(map[string]*timedEntry[Record])
		r.sets[set] = entries
	}
	if existing, ok := entries[rec.Key]; ok && !existing.expired(now) {
		return ErrAlreadyExists
	}

	rec = rec.clone()
	entries[rec.Key] = &timedEntry[Record]{value: rec, createdAt: rec.CreatedAt, expiresAt: rec.ExpiresAt}
	return nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, set string, q Query, patch Patch) (int, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, entry := range r.candidates(set, q) {
		if entry.expired(now) || !entry.value.Matches(q) {
			continue
		}
		if patch.Value != nil {
			entry.value.Value = append([]byte(nil), patch.Value...)
		}
		if patch.ExpiresAt != nil {
			entry.value.ExpiresAt = *patch.ExpiresAt
			entry.expiresAt = *patch.ExpiresAt
		}
		updated++
	}
	return updated, nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(_ context.Context, set string, q Query) (int, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var doomed []string
	for key, entry := range r.candidates(set, q) {
		if entry.expired(now) || !entry.value.Matches(q) {
			continue
		}
		doomed = append(doomed, key)
	}
	for _, key := range doomed {
		delete(r.sets[set], key)
	}
	return len(doomed), nil
}

// Close stops the sweeper and waits for it to exit.
func (r *MemoryRepository) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCleanup)
		<-r.cleanupDone
	})
	return nil
}

// candidates narrows the scan to a single entry when the query names a key.
// Callers must hold r.mu.
func (r *MemoryRepository) candidates(set string, q Query) map[string]*timedEntry[Record] {
	entries := r.sets[set]
	if q.Key == "" {
		return entries
	}
	if entry, ok := entries[q.Key]; ok {
		return map[string]*timedEntry[Record]{q.Key: entry}
	}
	return nil
}

func (r *MemoryRepository) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCleanup:
			return
		case <-ticker.C:
			r.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock, re-checking each entry so a record re-inserted in
// between survives.
func (r *MemoryRepository) cleanupExpired() {
	now := r.now()

	r.mu.RLock()
	expired := make(map[string][]string)
	for set, entries := range r.sets {
		for key, entry := range entries {
			if entry.expired(now) {
				expired[set] = append(expired[set], key)
			}
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.mu.Lock()
	removed := 0
	for set, keys := range expired {
		for _, key := range keys {
			if entry, ok := r.sets[set][key]; ok && entry.expired(now) {
				delete(r.sets[set], key)
				removed++
			}
		}
	}
	r.mu.Unlock()

	logger.Debugw("swept expired records", "backend", "memory", "count", removed)
}
