// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Repository on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/storage"
)

// Repository stores records in two tables: records holds the value and
// expiry keyed by (set_name, record_key), record_index holds one row per
// index field. The primary key makes Insert fail closed on duplicates.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

var _ storage.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// WithCleanupInterval sets the sweep interval.
func WithCleanupInterval(interval time.Duration) Option {
	return func(r *Repository) {
		if interval > 0 {
			r.cleanupInterval = interval
		}
	}
}

// Open opens (or creates) the database at path, applies migrations and
// starts the expiry sweeper.
func Open(ctx context.Context, path string, opts ...Option) (*Repository, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Repository{
		db:              db,
		now:             time.Now,
		cleanupInterval: storage.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.cleanupLoop()

	return r, nil
}

// Close stops the sweeper and closes the database.
func (r *Repository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCleanup)
		<-r.cleanupDone
		err = r.db.Close()
	})
	return err
}

// Insert implements storage.Repository.
func (r *Repository) Insert(ctx context.Context, set string, rec storage.Record) error {
	if rec.Key == "" {
		return storage.ErrInvalidRecord
	}
	now := r.now()
	if rec.Expired(now) {
		return storage.ErrExpiredRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// An expired record with the same key no longer counts as a duplicate.
	if err := deleteExpiredKey(ctx, tx, set, rec.Key, now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (set_name, record_key, value, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		set, rec.Key, rec.Value, rec.CreatedAt.UnixNano(), toUnix(rec.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	for _, field := range slices.Sorted(maps.Keys(rec.Index)) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index (set_name, record_key, field, value) VALUES (?, ?, ?, ?)`,
			set, rec.Key, field, rec.Index[field],
		); err != nil {
			return fmt.Errorf("inserting index field %s: %w", field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

// Get implements storage.Repository.
func (r *Repository) Get(ctx context.Context, set string, q storage.Query) ([]storage.Record, error) {
	query, args := selectQuery(set, q, r.now())
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}

	records := make([]storage.Record, 0)
	for rows.Next() {
		var (
			rec       storage.Record
			createdAt int64
			expiresAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &createdAt, &expiresAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.ExpiresAt = fromUnix(expiresAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	_ = rows.Close()

	for i := range records {
		index, err := r.loadIndex(ctx, set, records[i].Key)
		if err != nil {
			return nil, err
		}
		records[i].Index = index
	}
	return records, nil
}

// Update implements storage.Repository.
func (r *Repository) Update(ctx context.Context, set string, q storage.Query, patch storage.Patch) (int, error) {
	if patch.Value == nil && patch.ExpiresAt == nil {
		records, err := r.Get(ctx, set, q)
		return len(records), err
	}

	var (
		assignments []string
		args        []any
	)
	if patch.Value != nil {
		assignments = append(assignments, "value = ?")
		args = append(args, patch.Value)
	}
	if patch.ExpiresAt != nil {
		assignments = append(assignments, "expires_at = ?")
		args = append(args, toUnix(*patch.ExpiresAt))
	}

	where, whereArgs := whereClause(set, q, r.now())
	res, err := r.db.ExecContext(ctx,
		"UPDATE records AS r SET "+strings.Join(assignments, ", ")+" WHERE "+where,
		append(args, whereArgs...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("updating records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting updated records: %w", err)
	}
	return int(n), nil
}

// Delete implements storage.Repository.
func (r *Repository) Delete(ctx context.Context, set string, q storage.Query) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	where, args := whereClause(set, q, r.now())
	rows, err := tx.QueryContext(ctx, "SELECT r.record_key FROM records AS r WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("selecting records to delete: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scanning record key: %w", err)
		}
		keys = append(keys, key)
	}
	_ = rows.Close()

	for _, key := range keys {
		if err := deleteKey(ctx, tx, set, key); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}
	return len(keys), nil
}

func (r *Repository) loadIndex(ctx context.Context, set, key string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT field, value FROM record_index WHERE set_name = ? AND record_key = ?`, set, key)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var index map[string]string
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning index: %w", err)
		}
		if index == nil {
			index = make(map[string]string)
		}
		index[field] = value
	}
	return index, rows.Err()
}

func (r *Repository) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCleanup:
			return
		case <-ticker.C:
			if n, err := r.sweep(context.Background()); err != nil {
				logger.Errorw("failed to sweep expired records", "backend", "sqlite", "error", err.Error())
			} else if n > 0 {
				logger.Debugw("swept expired records", "backend", "sqlite", "count", n)
			}
		}
	}
}

// sweep deletes every expired record and its index rows.
func (r *Repository) sweep(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := r.now().UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE EXISTS (
		SELECT 1 FROM records r WHERE r.set_name = record_index.set_name AND r.record_key = record_index.record_key
		AND r.expires_at > 0 AND r.expires_at <= ?)`, now); err != nil {
		return 0, fmt.Errorf("sweeping index rows: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func selectQuery(set string, q storage.Query, now time.Time) (string, []any) {
	where, args := whereClause(set, q, now)
	return "SELECT r.record_key, r.value, r.created_at, r.expires_at FROM records AS r WHERE " + where +
		" ORDER BY r.created_at, r.record_key", args
}

// whereClause builds the filter shared by select, update and delete. Expired
// rows never match.
func whereClause(set string, q storage.Query, now time.Time) (string, []any) {
	clauses := []string{"r.set_name = ?", "(r.expires_at = 0 OR r.expires_at > ?)"}
	args := []any{set, now.UnixNano()}
	if q.Key != "" {
		clauses = append(clauses, "r.record_key = ?")
		args = append(args, q.Key)
	}
	for _, field := range slices.Sorted(maps.Keys(q.Fields)) {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM record_index i WHERE i.set_name = r.set_name
			AND i.record_key = r.record_key AND i.field = ? AND i.value = ?)`)
		args = append(args, field, q.Fields[field])
	}
	return strings.Join(clauses, " AND "), args
}

func deleteExpiredKey(ctx context.Context, tx *sql.Tx, set, key string, now time.Time) error {
	var expiresAt int64
	err := tx.QueryRowContext(ctx,
		`SELECT expires_at FROM records WHERE set_name = ? AND record_key = ?`, set, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking existing record: %w", err)
	}
	if expiresAt == 0 || expiresAt > now.UnixNano() {
		return nil
	}
	return deleteKey(ctx, tx, set, key)
}

func deleteKey(ctx context.Context, tx *sql.Tx, set, key string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE set_name = ? AND record_key = ?`, set, key); err != nil {
		return fmt.Errorf("deleting index rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE set_name = ? AND record_key = ?`, set, key); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
