package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brevpulse/internal/domain"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client), mr
}

func TestGetMissReturnsErrCacheMiss(t *testing.T) {
	c, _ := setupTestRedis(t)
	_, err := c.Get(context.Background(), "absent")
	require.True(t, errors.Is(err, domain.ErrCacheMiss))
}

func TestSetGetWithTTL(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestDeleteByPatternOnlyTouchesMatches(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		require.NoError(t, mr.Set("user:1:digests:all:page:"+time.Duration(i).String(), "x"))
	}
	require.NoError(t, mr.Set("user:2:digests:all:page:1:limit:10", "keep"))
	require.NoError(t, mr.Set("user:1", "keep"))

	require.NoError(t, c.DeleteByPattern(ctx, "user:1:digests:*"))

	assert.Len(t, mr.Keys(), 2)
	assert.True(t, mr.Exists("user:2:digests:all:page:1:limit:10"))
	assert.True(t, mr.Exists("user:1"))
}

func TestOnceRunsOnlyFirstTime(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()
	calls := 0
	fn := func() error { calls++; return nil }

	require.NoError(t, c.Once(ctx, "once", time.Hour, fn))
	require.NoError(t, c.Once(ctx, "once", time.Hour, fn))
	assert.Equal(t, 1, calls)
}

func TestOnceReleasesKeyOnFailure(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := c.Once(ctx, "once", time.Hour, func() error { return boom })
	require.ErrorIs(t, err, boom)

	calls := 0
	require.NoError(t, c.Once(ctx, "once", time.Hour, func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)
}
