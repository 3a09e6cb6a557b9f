package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStores builds one of each Store implementation for the shared
// contract tests.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sqlStore, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreWithClient(client, "test:"),
		"gorm":   sqlStore,
	}
}

// ============================================================
// Store contract
// ============================================================

func TestStore_PutGetRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "run:1", []byte(`{"status":"RUNNING"}`)))
			got, err := s.Get(ctx, "run:1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"status":"RUNNING"}`), got)

			// Put replaces.
			require.NoError(t, s.Put(ctx, "run:1", []byte(`{"status":"SUCCEEDED"}`)))
			got, err = s.Get(ctx, "run:1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"status":"SUCCEEDED"}`), got)
		})
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AppendPreservesOrder(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, v := range []string{"first", "second", "third"} {
				require.NoError(t, s.Append(ctx, "deadletter", []byte(v)))
			}

			got, err := s.GetAppended(ctx, "deadletter")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []byte("first"), got[0])
			assert.Equal(t, []byte("second"), got[1])
			assert.Equal(t, []byte("third"), got[2])
		})
	}
}

func TestStore_GetAppendedEmptyKey(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetAppended(context.Background(), "empty")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_ValueAndLogNamespacesAreSeparate(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "k", []byte("value")))
			require.NoError(t, s.Append(ctx, "k", []byte("entry")))

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("value"), got)

			log, err := s.GetAppended(ctx, "k")
			require.NoError(t, err)
			require.Len(t, log, 1)
			assert.Equal(t, []byte("entry"), log[0])
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	original := []byte("immutable")
	require.NoError(t, s.Put(ctx, "k", original))
	original[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got)

	got[0] = 'Y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}
