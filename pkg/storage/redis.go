// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/ltitool/pkg/logger"
)

// Default Redis timeouts.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig configures the Redis backend. Setting MasterName selects
// Sentinel failover, otherwise Addrs[0] is used as a standalone server.
type RedisConfig struct {
	Addrs        []string      `yaml:"addrs"`
	MasterName   string        `yaml:"masterName,omitempty"`
	DB           int           `yaml:"db,omitempty"`
	Username     string        `yaml:"username,omitempty"`
	Password     string        `yaml:"password,omitempty"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty"`
}

// RedisRepository stores each record as a JSON document under its own key
// with a native TTL. Index fields are mirrored into Redis sets so queries
// resolve with SINTER. Index sets can briefly reference expired records;
// reads skip and prune those members.
type RedisRepository struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ Repository = (*RedisRepository)(nil)

// storedRecord is the JSON form of a Record.
type storedRecord struct {
	Key       string            `json:"key"`
	Index     map[string]string `json:"index,omitempty"`
	Value     []byte            `json:"value"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitzero"`
}

// NewRedisRepository connects to Redis and verifies the connection.
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisRepositoryWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisRepositoryWithClient wraps an existing client. Tests use it with
// miniredis.
func NewRedisRepositoryWithClient(client redis.UniversalClient, keyPrefix string) *RedisRepository {
	return &RedisRepository{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the client.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) recordKey(set, key string) string {
	return r.keyPrefix + set + ":r:" + key
}

func (r *RedisRepository) allKey(set string) string {
	return r.keyPrefix + set + ":all"
}

func (r *RedisRepository) indexKey(set, field, value string) string {
	return r.keyPrefix + set + ":i:" + field + "=" + value
}

// Insert implements Repository with SET NX so concurrent inserts of the same
// key race inside Redis rather than in the caller.
func (r *RedisRepository) Insert(ctx context.Context, set string, rec Record) error {
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

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(now)
	}

	data, err := json.Marshal(toStored(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.recordKey(set, rec.Key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.allKey(set), rec.Key)
		for field, value := range rec.Index {
			pipe.SAdd(ctx, r.indexKey(set, field, value), rec.Key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, set string, q Query) ([]Record, error) {
	records, err := r.lookup(ctx, set, q)
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

// Update implements Repository. Each record is rewritten with SET XX so a
// record that expires mid-update is not resurrected.
func (r *RedisRepository) Update(ctx context.Context, set string, q Query, patch Patch) (int, error) {
	records, err := r.lookup(ctx, set, q)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, rec := range records {
		if patch.Value != nil {
			rec.Value = patch.Value
		}
		args := redis.SetArgs{Mode: "XX", KeepTTL: true}
		if patch.ExpiresAt != nil {
			rec.ExpiresAt = *patch.ExpiresAt
			args.KeepTTL = false
			if !rec.ExpiresAt.IsZero() {
				args.TTL = rec.ExpiresAt.Sub(r.now())
				if args.TTL <= 0 {
					if _, err := r.Delete(ctx, set, ByKey(rec.Key)); err != nil {
						return updated, err
					}
					updated++
					continue
				}
			}
		}

		data, err := json.Marshal(toStored(rec))
		if err != nil {
			return updated, fmt.Errorf("failed to marshal record: %w", err)
		}
		err = r.client.SetArgs(ctx, r.recordKey(set, rec.Key), data, args).Err()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("failed to update record: %w", err)
		}
		updated++
	}
	return updated, nil
}

// Delete implements Repository.
func (r *RedisRepository) Delete(ctx context.Context, set string, q Query) (int, error) {
	records, err := r.lookup(ctx, set, q)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		keys := make([]string, 0, len(records))
		for _, rec := range records {
			keys = append(keys, r.recordKey(set, rec.Key))
			pipe.SRem(ctx, r.allKey(set), rec.Key)
			for field, value := range rec.Index {
				pipe.SRem(ctx, r.indexKey(set, field, value), rec.Key)
			}
		}
		deleted = pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return int(deleted.Val()), nil
}

// lookup resolves candidate keys, loads them and drops stale index members.
func (r *RedisRepository) lookup(ctx context.Context, set string, q Query) ([]Record, error) {
	var (
		keys      []string
		err       error
		indexSets []string
	)
	switch {
	case q.Key != "":
		keys = []string{q.Key}
	case len(q.Fields) > 0:
		for field, value := range q.Fields {
			indexSets = append(indexSets, r.indexKey(set, field, value))
		}
		keys, err = r.client.SInter(ctx, indexSets...).Result()
	default:
		indexSets = []string{r.allKey(set)}
		keys, err = r.client.SMembers(ctx, r.allKey(set)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}

	recordKeys := make([]string, len(keys))
	for i, key := range keys {
		recordKeys[i] = r.recordKey(set, key)
	}
	values, err := r.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	now := r.now()
	records := make([]Record, 0, len(values))
	var stale []any
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var sr storedRecord
		if err := json.Unmarshal([]byte(s), &sr); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", keys[i], err)
		}
		rec := fromStored(sr)
		if rec.Expired(now) || !rec.Matches(q) {
			continue
		}
		records = append(records, rec)
	}

	if len(stale) > 0 && len(indexSets) > 0 {
		r.pruneIndex(ctx, set, indexSets, stale)
	}
	return records, nil
}

func (r *RedisRepository) pruneIndex(ctx context.Context, set string, indexSets []string, members []any) {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.allKey(set), members...)
		for _, key := range indexSets {
			pipe.SRem(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		logger.Warnw("failed to prune stale index members", "set", set, "error", err.Error())
	}
}

func toStored(rec Record) storedRecord {
	return storedRecord{
		Key:       rec.Key,
		Index:     rec.Index,
		Value:     rec.Value,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

func fromStored(sr storedRecord) Record {
	return Record{
		Key:       sr.Key,
		Index:     sr.Index,
		Value:     sr.Value,
		CreatedAt: sr.CreatedAt,
		ExpiresAt: sr.ExpiresAt,
	}
}
