// Package idempotency remembers the outcome of provisioning calls so a
// repeated confirmation with the same key replays the stored result instead
// of provisioning again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/activator/model"
)

// Record is the stored outcome for one idempotency key.
type Record struct {
	InputHash   string    `json:"input_hash"`
	ResourceID  string    `json:"resource_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store provides deduplication for provisioning requests.
type Store interface {
	// Check looks up a previous outcome by key. A stored record whose input
	// hash differs from inputHash yields a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (rec *Record, found bool, err error)

	// Save stores rec under key for ttl.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

// ProvisionKey builds the key under which a provisioning outcome is kept.
func ProvisionKey(namespace, token string) string {
	return fmt.Sprintf("idem:provision:%s:%s", namespace, token)
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different payload", key))
}

// MemoryStore is an in-memory Store backed by a TTL cache. Suitable for tests
// and single-instance deployments.
type MemoryStore struct {
	entries *cache.Cache
}

// NewMemoryStore creates an in-memory store. Expired entries are purged
// every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{entries: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Check returns the stored record if it has not expired.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Record, bool, error) {
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	rec := v.(Record)
	if rec.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &rec, true, nil
}

// Save stores rec with ttl, replacing any previous record.
func (s *MemoryStore) Save(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.entries.Set(key, rec, ttl)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of unexpired records.
func (s *MemoryStore) Len() int {
	return len(s.entries.Items())
}

// RedisStore is a Redis-backed Store. Records are JSON strings with a
// key-level TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check reads and decodes the record at key.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %q: %w", key, err)
	}
	if rec.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &rec, true, nil
}

// Save encodes rec and stores it with ttl.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode %q: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
