// Package store persists workflow values per namespace. Values are JSON
// documents addressed by (namespace, key); writes are durable when the call
// returns and the last write wins.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store persists JSON values keyed by namespace and key.
type Store interface {
	// Get returns the value stored at key. found is false when nothing is
	// stored.
	Get(ctx context.Context, namespace, key string) (value json.RawMessage, found bool, err error)

	// Set replaces the value stored at key.
	Set(ctx context.Context, namespace, key string, value json.RawMessage) error

	// Merge overwrites the top-level members of the JSON object stored at
	// key with those in partial. Other members are left untouched. A missing
	// or non-object prior value is treated as an empty object.
	Merge(ctx context.Context, namespace, key string, partial map[string]json.RawMessage) error

	// Clear removes key. Clearing a missing key is not an error.
	Clear(ctx context.Context, namespace, key string) error
}

// PersistedStore is a Store bound to a single namespace.
type PersistedStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Merge(ctx context.Context, key string, partial map[string]json.RawMessage) error
	Clear(ctx context.Context, key string) error
	Namespace() string
}

// Bind returns a PersistedStore that scopes every call on s to namespace.
func Bind(s Store, namespace string) PersistedStore {
	return &boundStore{store: s, namespace: namespace}
}

type boundStore struct {
	store     Store
	namespace string
}

func (b *boundStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return b.store.Get(ctx, b.namespace, key)
}

func (b *boundStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	return b.store.Set(ctx, b.namespace, key, value)
}

func (b *boundStore) Merge(ctx context.Context, key string, partial map[string]json.RawMessage) error {
	return b.store.Merge(ctx, b.namespace, key, partial)
}

func (b *boundStore) Clear(ctx context.Context, key string) error {
	return b.store.Clear(ctx, b.namespace, key)
}

func (b *boundStore) Namespace() string { return b.namespace }

// mergeObjects applies partial over the object encoded in prior. prior may be
// nil, null, or not an object; all three are treated as {}.
func mergeObjects(prior json.RawMessage, partial map[string]json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &base); err != nil || base == nil {
			base = map[string]json.RawMessage{}
		}
	}
	for k, v := range partial {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("store: encode merged object: %w", err)
	}
	return out, nil
}

func validJSON(value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("store: value is not valid JSON")
	}
	return nil
}
