package blobstore

import (
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Put(ctx, Blob{ContentType: "image/jpeg"})
	require.Error(t, err, "empty blobs are rejected")

	ref, err := store.Put(ctx, Blob{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	require.NoError(t, err)
	require.True(t, ValidRef(ref), "unexpected ref %q", ref)

	other, err := store.Put(ctx, Blob{ContentType: "image/jpeg", Data: []byte{1}})
	require.NoError(t, err)
	require.NotEqual(t, ref, other)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", got.ContentType)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, got.Data)
	require.False(t, got.CreatedAt.IsZero())

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), size)

	require.NoError(t, store.Revoke(ctx, ref))
	require.NoError(t, store.Revoke(ctx, ""))
	_, err = store.Get(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)

	size, err = store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	require.NoError(t, store.Close(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	data := []byte{1, 2, 3}
	ref, err := store.Put(ctx, Blob{Data: data})
	require.NoError(t, err)
	data[0] = 9

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, byte(1), got.Data[0])
	got.Data[1] = 9

	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, again.Data)
}

func TestRedisStore(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestValidRef(t *testing.T) {
	require.True(t, ValidRef(NewRef()))
	require.False(t, ValidRef("blob:not-a-uuid"))
	require.False(t, ValidRef("https://example.com/x.jpg"))
	require.False(t, ValidRef(""))
}
