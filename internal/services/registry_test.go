package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := OpenRedisRegistry(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisRegistryBindAndLookup(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bind(ctx, " @Alice ", "peerA="))
	assert.Equal(t, "peerA=", mr.HGet(registryKey, "alice"))

	key, err := r.Lookup(ctx, "@ALICE")
	require.NoError(t, err)
	assert.Equal(t, "peerA=", key)

	// пересоздание пира перезаписывает ключ
	require.NoError(t, r.Bind(ctx, "alice", "peerB="))
	key, err = r.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "peerB=", key)

	key, err = r.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestRedisRegistrySkipsEmptyValues(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bind(ctx, "@", "peerA="))
	require.NoError(t, r.Bind(ctx, "alice", ""))
	assert.False(t, mr.Exists(registryKey))
}

func TestRedisRegistryUnavailable(t *testing.T) {
	var nilRegistry *RedisRegistry
	assert.Error(t, nilRegistry.Bind(context.Background(), "alice", "key="))
	_, err := nilRegistry.Lookup(context.Background(), "alice")
	assert.Error(t, err)
	assert.Nil(t, NewRedisRegistry(nil))

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	r := NewRedisRegistry(client)
	defer r.Close()
	assert.Error(t, r.Bind(context.Background(), "@Alice", "key="))

	_, err = OpenRedisRegistry(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisRegistryServerDown(t *testing.T) {
	r, mr := newTestRegistry(t)
	mr.Close()
	assert.Error(t, r.Bind(context.Background(), "alice", "peerA="))
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "alice", normalizeUsername(" @Alice "))
	assert.Equal(t, "", normalizeUsername("@"))
}
