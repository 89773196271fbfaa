package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	valid := []string{
		"runs",
		"runs/run_1a2b",
		"runs/run_1a2b/checkpoints/000001",
		"artifacts/run_1/design/architect/1",
		"a-b_c.d/e",
	}
	for _, key := range valid {
		t.Run("valid/"+key, func(t *testing.T) {
			assert.NoError(t, validateKey(key))
		})
	}

	invalid := []string{
		"",
		"/absolute",
		"trailing/",
		"double//slash",
		"dot/./segment",
		"up/../escape",
		"glob/run*",
		"space in key",
	}
	for _, key := range invalid {
		t.Run("invalid/"+key, func(t *testing.T) {
			assert.Error(t, validateKey(key))
		})
	}
}

// backendFactories builds each backend against throwaway infrastructure.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemory()
		},
		"fs": func(t *testing.T) Backend {
			b, err := NewFS(t.TempDir())
			require.NoError(t, err)
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.NewMiniRedis()
			require.NoError(t, mr.Start())
			t.Cleanup(mr.Close)

			b, err := NewRedis(context.Background(), &redis.Options{Addr: mr.Addr()}, "quorumd-test")
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

// TestBackendContract runs the Backend contract against every implementation.
func TestBackendContract(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("put get roundtrip", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Put(ctx, "runs/run_1/state", []byte("v1")))

				got, err := b.Get(ctx, "runs/run_1/state")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), got)
			})

			t.Run("put overwrites", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Put(ctx, "k/a", []byte("old")))
				require.NoError(t, b.Put(ctx, "k/a", []byte("new")))

				got, err := b.Get(ctx, "k/a")
				require.NoError(t, err)
				assert.Equal(t, []byte("new"), got)
			})

			t.Run("get missing returns ErrNotFound", func(t *testing.T) {
				b := factory(t)
				_, err := b.Get(ctx, "missing/key")
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("list filters by prefix sorted", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Put(ctx, "runs/run_2/checkpoints/000002", []byte("b")))
				require.NoError(t, b.Put(ctx, "runs/run_2/checkpoints/000001", []byte("a")))
				require.NoError(t, b.Put(ctx, "runs/run_9/checkpoints/000001", []byte("c")))
				require.NoError(t, b.Put(ctx, "artifacts/run_2/x", []byte("d")))

				keys, err := b.List(ctx, "runs/run_2/")
				require.NoError(t, err)
				assert.Equal(t, []string{
					"runs/run_2/checkpoints/000001",
					"runs/run_2/checkpoints/000002",
				}, keys)
			})

			t.Run("list empty prefix returns everything", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Put(ctx, "a/1", []byte("x")))
				require.NoError(t, b.Put(ctx, "b/1", []byte("y")))

				keys, err := b.List(ctx, "")
				require.NoError(t, err)
				assert.Equal(t, []string{"a/1", "b/1"}, keys)
			})

			t.Run("list no matches returns empty", func(t *testing.T) {
				b := factory(t)
				keys, err := b.List(ctx, "nothing/")
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("delete removes key", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Put(ctx, "k/gone", []byte("x")))
				require.NoError(t, b.Delete(ctx, "k/gone"))

				_, err := b.Get(ctx, "k/gone")
				assert.True(t, errors.Is(err, ErrNotFound))

				err = b.Delete(ctx, "k/gone")
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("invalid key rejected", func(t *testing.T) {
				b := factory(t)
				assert.Error(t, b.Put(ctx, "../escape", []byte("x")))
				_, err := b.Get(ctx, "../escape")
				assert.Error(t, err)
			})
		})
	}
}

func TestStoredValueIsIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	value := []byte("original")
	require.NoError(t, m.Put(ctx, "k/iso", value))
	value[0] = 'X'

	got, err := m.Get(ctx, "k/iso")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "mutating the caller's slice must not affect the store")
}
