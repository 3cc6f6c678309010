package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 4, 1, 8, 0, 10, 0, time.UTC)
	l := NewRedisLimiter(client, "test:", 3, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i+1)
		assert.Equal(t, int64(2-i), res.Remaining)
	}
	res, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	other, err := l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	now = now.Add(time.Minute)
	res, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "next window")

	mr.FastForward(2 * time.Minute)
	assert.Empty(t, mr.Keys(), "windows expire")
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisLimiter(client, "", 3, time.Minute).Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, float64(30*time.Second), float64(res.RetryAfter), float64(time.Millisecond))

	now = now.Add(31 * time.Second)
	res, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "one token refilled")

	now = now.Add(time.Hour)
	_, _ = l.Allow(ctx, "b")
	assert.Len(t, l.buckets, 1, "idle bucket dropped")
}

func TestNewPicksBackend(t *testing.T) {
	assert.IsType(t, &MemoryLimiter{}, New(nil, 5, time.Minute))
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	assert.IsType(t, &RedisLimiter{}, New(client, 5, time.Minute))
}
