package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"local":   NewLocalStore(t.TempDir()),
		"memory":  NewMemoryStore(),
		"caching": NewCachingStore(NewMemoryStore(), 1<<20, 0),
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "shard-000/blobs/ab/abcd")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "shard-000/blobs/ab/abcd", []byte("one")))
			require.NoError(t, s.Put(ctx, "shard-001/blobs/cd/cdef", []byte("two")))

			got, err := s.Get(ctx, "shard-000/blobs/ab/abcd")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			// Overwrite replaces the payload.
			require.NoError(t, s.Put(ctx, "shard-000/blobs/ab/abcd", []byte("uno")))
			got, err = s.Get(ctx, "shard-000/blobs/ab/abcd")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), got)

			names, err := s.List(ctx, "shard-000/")
			require.NoError(t, err)
			assert.Equal(t, []string{"shard-000/blobs/ab/abcd"}, names)

			names, err = s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, names, 2)

			require.NoError(t, s.Delete(ctx, "shard-000/blobs/ab/abcd"))
			require.NoError(t, s.Delete(ctx, "shard-000/blobs/ab/abcd"), "deleting a missing blob is not an error")
			_, err = s.Get(ctx, "shard-000/blobs/ab/abcd")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ReturnedSliceIsPrivate(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("payload")
			require.NoError(t, s.Put(ctx, "x", data))
			data[0] = 'X'

			got, err := s.Get(ctx, "x")
			require.NoError(t, err)
			got[1] = 'A'

			again, err := s.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), again)
		})
	}
}

func TestLocalStore_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root)

	require.NoError(t, s.Put(ctx, "shard-002/blobs/0f/0fee", []byte("data")))

	raw, err := os.ReadFile(filepath.Join(root, "shard-002", "blobs", "0f", "0fee"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), raw)

	// Names cannot escape the root.
	require.NoError(t, s.Put(ctx, "../../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(root, "escape"))
	require.NoError(t, err)

	assert.Error(t, s.Put(ctx, "", []byte("x")))
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "absent"))

	names, err := s.List(context.Background(), "shard-000/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewLocalStore(t.TempDir())
	assert.ErrorIs(t, s.Put(ctx, "a", []byte("x")), context.Canceled)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
