// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the Repository contract the LTI core persists
// through, and its memory, Redis and SQLite backends.
//
// A Repository holds named record sets. Each record has a unique key, a flat
// set of plaintext index fields used for queries, an opaque value and an
// optional expiry. Backends enforce two guarantees the core relies on:
//
//   - Insert is atomic and fails with ErrAlreadyExists when a live record with
//     the same key exists, so single-use tokens never need check-then-insert.
//   - Expired records are never returned, and are evicted in the background
//     or natively by the engine.
package storage

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks -source=repository.go Repository

// Record set names.
const (
	SetPlatform       = "platform"
	SetPlatformStatus = "platformStatus"
	SetPrivateKey     = "privatekey"
	SetPublicKey      = "publickey"
	SetAccessToken    = "accesstoken"
	SetNonce          = "nonce"
	SetState          = "state"
)

// Record is a single stored item.
type Record struct {
	// Key uniquely identifies the record within its set.
	Key string
	// Index holds plaintext fields that queries can match on.
	Index map[string]string
	// Value is the payload. EncryptedRepository seals it at rest.
	Value []byte
	// CreatedAt is set by the backend on insert when zero.
	CreatedAt time.Time
	// ExpiresAt is the eviction deadline. Zero means the record never expires.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its deadline at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Matches reports whether the record satisfies q.
func (r Record) Matches(q Query) bool {
	if q.Key != "" && q.Key != r.Key {
		return false
	}
	for field, want := range q.Fields {
		if got, ok := r.Index[field]; !ok || got != want {
			return false
		}
	}
	return true
}

// clone deep-copies the mutable parts so callers cannot alias backend state.
func (r Record) clone() Record {
	r.Index = maps.Clone(r.Index)
	r.Value = slices.Clone(r.Value)
	return r
}

// Query selects records by key and/or index fields. The zero Query matches
// every record in a set.
type Query struct {
	Key    string
	Fields map[string]string
}

// ByKey selects the record with key.
func ByKey(key string) Query {
	return Query{Key: key}
}

// Where selects records whose index field equals value.
func Where(field, value string) Query {
	return Query{Fields: map[string]string{field: value}}
}

// And narrows q by another index field.
func (q Query) And(field, value string) Query {
	fields := maps.Clone(q.Fields)
	if fields == nil {
		fields = make(map[string]string, 1)
	}
	fields[field] = value
	return Query{Key: q.Key, Fields: fields}
}

// String renders q for logs.
func (q Query) String() string {
	parts := make([]string, 0, len(q.Fields)+1)
	if q.Key != "" {
		parts = append(parts, "key="+q.Key)
	}
	for _, field := range slices.Sorted(maps.Keys(q.Fields)) {
		parts = append(parts, field+"="+q.Fields[field])
	}
	return strings.Join(parts, ",")
}

// Patch describes an update. Nil fields are left unchanged.
type Patch struct {
	Value     []byte
	ExpiresAt *time.Time
}

// Repository is the persistence contract used by every LTI component.
// Every operation is a single self-contained read or write.
type Repository interface {
	// Get returns the live records in set matching q, ordered by creation
	// time and then key. No match is an empty slice, not an error.
	Get(ctx context.Context, set string, q Query) ([]Record, error)
	// Insert stores rec, failing with ErrAlreadyExists if its key is taken
	// and with ErrExpiredRecord if rec.ExpiresAt is not in the future.
	Insert(ctx context.Context, set string, rec Record) error
	// Update applies patch to every matching record and returns the count.
	Update(ctx context.Context, set string, q Query, patch Patch) (int, error)
	// Delete removes every matching record and returns the count.
	Delete(ctx context.Context, set string, q Query) (int, error)
	// Close releases resources and stops background eviction.
	Close() error
}

// GetOne returns the first record matching q, or ErrNotFound.
func GetOne(ctx context.Context, repo Repository, set string, q Query) (Record, error) {
	records, err := repo.Get(ctx, set, q)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

func sortRecords(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
