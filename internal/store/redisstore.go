package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxMergeAttempts bounds optimistic retries when a watched hash changes
// between read and write.
const maxMergeAttempts = 16

// RedisStore keeps each namespace in one Redis hash whose fields are the
// workflow keys.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get reads one hash field.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	raw, err := s.client.HGet(ctx, namespace, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: redis hget %s %s: %w", namespace, key, err)
	}
	return raw, true, nil
}

// Set writes one hash field.
func (s *RedisStore) Set(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := validJSON(value); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, namespace, key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("store: redis hset %s %s: %w", namespace, key, err)
	}
	return nil
}

// Merge reads, merges and writes the field inside a WATCH/MULTI transaction
// on the namespace hash, retrying when a concurrent writer wins.
func (s *RedisStore) Merge(ctx context.Context, namespace, key string, partial map[string]json.RawMessage) error {
	txf := func(tx *redis.Tx) error {
		prior, err := tx.HGet(ctx, namespace, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		merged, err := mergeObjects(prior, partial)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, namespace, key, []byte(merged))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, namespace)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store: redis merge %s %s: %w", namespace, key, err)
		}
		return nil
	}
	return fmt.Errorf("store: redis merge %s %s: gave up after %d attempts", namespace, key, maxMergeAttempts)
}

// Clear deletes one hash field. Redis drops the hash with its last field.
func (s *RedisStore) Clear(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, namespace, key).Err(); err != nil {
		return fmt.Errorf("store: redis hdel %s %s: %w", namespace, key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
