package rediscache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestCache connects to the Redis named by CONTEXTFLOW_TEST_REDIS_ADDR or
// skips the test.
func openTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("CONTEXTFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONTEXTFLOW_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Open(ctx, addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	key := "contextflow:test:" + uuid.NewString()

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, []byte(`{"frequency":"daily"}`), time.Minute))
	data, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"frequency":"daily"}`, string(data))

	require.NoError(t, c.Delete(ctx, key))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Delete(ctx))
}

func TestCacheExpiry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	key := "contextflow:test:" + uuid.NewString()

	require.NoError(t, c.Set(ctx, key, []byte("x"), 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, ok, err := c.Get(ctx, key)
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
