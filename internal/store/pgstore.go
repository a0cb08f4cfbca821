package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the workflow_values table used by PgStore.
//
//go:embed schema.sql
var Schema string

// PgPool is the subset of *pgxpool.Pool used by PgStore.
type PgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PgStore is a PostgreSQL-backed Store. Each (namespace, key) is one row
// with a jsonb value.
type PgStore struct {
	pool PgPool
}

// NewPgStore creates a PostgreSQL store on top of pool.
func NewPgStore(pool PgPool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema. The statements are idempotent.
func Migrate(ctx context.Context, pool PgPool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

const (
	pgSelectValue = `SELECT value FROM workflow_values WHERE namespace = $1 AND key = $2`

	pgUpsertValue = `
		INSERT INTO workflow_values (namespace, key, value, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()`

	// jsonb || jsonb replaces top-level members only. Prior values that are
	// not objects are replaced wholesale.
	pgMergeValue = `
		INSERT INTO workflow_values (namespace, key, value, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = CASE
				WHEN jsonb_typeof(workflow_values.value) = 'object'
				THEN workflow_values.value || EXCLUDED.value
				ELSE EXCLUDED.value
			END,
			updated_at = now()`

	pgDeleteValue = `DELETE FROM workflow_values WHERE namespace = $1 AND key = $2`
)

// Get reads one row.
func (s *PgStore) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, pgSelectValue, namespace, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: select %s %s: %w", namespace, key, err)
	}
	return raw, true, nil
}

// Set upserts one row.
func (s *PgStore) Set(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := validJSON(value); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertValue, namespace, key, string(value)); err != nil {
		return fmt.Errorf("store: upsert %s %s: %w", namespace, key, err)
	}
	return nil
}

// Merge performs the shallow merge in a single statement.
func (s *PgStore) Merge(ctx context.Context, namespace, key string, partial map[string]json.RawMessage) error {
	patch, err := mergeObjects(nil, partial)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgMergeValue, namespace, key, string(patch)); err != nil {
		return fmt.Errorf("store: merge %s %s: %w", namespace, key, err)
	}
	return nil
}

// Clear deletes one row.
func (s *PgStore) Clear(ctx context.Context, namespace, key string) error {
	if _, err := s.pool.Exec(ctx, pgDeleteValue, namespace, key); err != nil {
		return fmt.Errorf("store: delete %s %s: %w", namespace, key, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
