package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestAcquireLock_Exclusive(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = client.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseLock_OnlyOwner(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.ReleaseLock(ctx, "sweep", "someone-else"))
	assert.True(t, mr.Exists("lock:sweep"))

	require.NoError(t, client.ReleaseLock(ctx, "sweep", token))
	assert.False(t, mr.Exists("lock:sweep"))

	_, ok, err = client.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := client.AcquireLock(ctx, "payment:order:1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok, err = client.AcquireLock(ctx, "payment:order:1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtendLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "sweep", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := client.ExtendLock(ctx, "sweep", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Greater(t, mr.TTL("lock:sweep"), 30*time.Second)

	extended, err = client.ExtendLock(ctx, "sweep", "not-the-owner", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}
