package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = "activator:acme:owner-7"

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

// backends runs fn against every Store implementation that can run without
// external services.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t)
		fn(t, s)
	})
}

func TestStore_getMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		v, found, err := s.Get(context.Background(), ns, "workflow.step")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
	})
}

func TestStore_setThenGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`3`)))
		require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`4`)))

		v, found, err := s.Get(ctx, ns, "workflow.step")
		require.NoError(t, err)
		assert.True(t, found)
		assert.JSONEq(t, `4`, string(v))
	})
}

func TestStore_setRejectsInvalidJSON(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.Set(context.Background(), ns, "workflow.step", json.RawMessage(`{broken`))
		assert.Error(t, err)
	})
}

func TestStore_mergeIsShallow(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, ns, "workflow.fields",
			json.RawMessage(`{"business_name":"Apex","schedule":{"mon":{"open":"08:00","close":"17:00"}}}`)))

		require.NoError(t, s.Merge(ctx, ns, "workflow.fields", map[string]json.RawMessage{
			"industry": json.RawMessage(`"hvac"`),
			"schedule": json.RawMessage(`{"tue":{"closed":true}}`),
		}))

		v, _, err := s.Get(ctx, ns, "workflow.fields")
		require.NoError(t, err)
		assert.JSONEq(t,
			`{"business_name":"Apex","industry":"hvac","schedule":{"tue":{"closed":true}}}`,
			string(v))
	})
}

func TestStore_mergeOverMissingOrScalar(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Merge(ctx, ns, "workflow.fields", map[string]json.RawMessage{
			"area_code": json.RawMessage(`"415"`),
		}))
		v, found, err := s.Get(ctx, ns, "workflow.fields")
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"area_code":"415"}`, string(v))

		require.NoError(t, s.Set(ctx, ns, "workflow.other", json.RawMessage(`"scalar"`)))
		require.NoError(t, s.Merge(ctx, ns, "workflow.other", map[string]json.RawMessage{
			"k": json.RawMessage(`1`),
		}))
		v, _, err = s.Get(ctx, ns, "workflow.other")
		require.NoError(t, err)
		assert.JSONEq(t, `{"k":1}`, string(v))
	})
}

func TestStore_clear(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`2`)))
		require.NoError(t, s.Set(ctx, ns, "workflow.consent", json.RawMessage(`{"accepted":true}`)))

		require.NoError(t, s.Clear(ctx, ns, "workflow.step"))
		require.NoError(t, s.Clear(ctx, ns, "workflow.step"))

		_, found, err := s.Get(ctx, ns, "workflow.step")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = s.Get(ctx, ns, "workflow.consent")
		require.NoError(t, err)
		assert.True(t, found, "clearing one key must not touch siblings")
	})
}

func TestStore_namespacesAreIsolated(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		other := "activator:acme:owner-8"
		require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`5`)))

		_, found, err := s.Get(ctx, other, "workflow.step")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestStore_concurrentMergesKeepAllKeys(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		keys := []string{"business_name", "area_code", "industry", "tone", "service_fee"}

		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				assert.NoError(t, s.Merge(ctx, ns, "workflow.fields", map[string]json.RawMessage{
					k: json.RawMessage(`"x"`),
				}))
			}(k)
		}
		wg.Wait()

		v, _, err := s.Get(ctx, ns, "workflow.fields")
		require.NoError(t, err)
		var got map[string]string
		require.NoError(t, json.Unmarshal(v, &got))
		assert.Len(t, got, len(keys))
	})
}

func TestBind(t *testing.T) {
	mem := NewMemoryStore()
	ps := Bind(mem, ns)
	ctx := context.Background()

	assert.Equal(t, ns, ps.Namespace())
	require.NoError(t, ps.Set(ctx, "workflow.step", json.RawMessage(`2`)))
	require.NoError(t, ps.Merge(ctx, "workflow.fields", map[string]json.RawMessage{"tone": json.RawMessage(`"warm"`)}))

	v, found, err := mem.Get(ctx, ns, "workflow.step")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `2`, string(v))

	require.NoError(t, ps.Clear(ctx, "workflow.step"))
	require.NoError(t, ps.Clear(ctx, "workflow.fields"))
	assert.Equal(t, 0, mem.Len())
}

func TestMemoryStore_getReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`2`)))

	v, _, _ := s.Get(ctx, ns, "workflow.step")
	v[0] = '9'

	again, _, _ := s.Get(ctx, ns, "workflow.step")
	assert.JSONEq(t, `2`, string(again))
}

func TestRedisStore_usesOneHashPerNamespace(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ns, "workflow.step", json.RawMessage(`3`)))

	assert.Equal(t, "3", mr.HGet(ns, "workflow.step"))
}

func TestRedisStore_healthCheck(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}
