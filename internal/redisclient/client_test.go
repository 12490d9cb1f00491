package redisclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return newClient(rdb), mr
}

func TestAcquireAll_ConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, _, err := c.AcquireAll(ctx, 1, fmt.Sprintf("checkout-%d", n), []string{"E"}, time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestAcquireAll_AllOrNothing(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, _, err := c.AcquireAll(ctx, 1, "first", []string{"A"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, conflicts, err := c.AcquireAll(ctx, 1, "second", []string{"A", "C"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"A"}, conflicts)

	locked, err := c.IsLocked(ctx, 1, "C")
	require.NoError(t, err)
	assert.False(t, locked, "C must not leak a lock from the failed attempt")

	ok, _, err = c.AcquireAll(ctx, 1, "third", []string{"C"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireAll_ScopedPerEventItem(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, _, err := c.AcquireAll(ctx, 1, "a", []string{"A-1"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = c.AcquireAll(ctx, 2, "b", []string{"A-1"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireAll_RejectsBadInput(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, _, err := c.AcquireAll(ctx, 1, "a", nil, time.Minute)
	assert.Error(t, err)

	_, _, err = c.AcquireAll(ctx, 1, "a", []string{"A"}, 0)
	assert.Error(t, err)
}

func TestAcquireAll_TTLExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, _, err := c.AcquireAll(ctx, 7, "a", []string{"B"}, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	locked, err := c.IsLocked(ctx, 7, "B")
	require.NoError(t, err)
	assert.False(t, locked)

	ok, _, err = c.AcquireAll(ctx, 7, "b", []string{"B"}, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseAll_OnlyOwnerReleases(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, _, err := c.AcquireAll(ctx, 1, "owner", []string{"A", "B"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.ReleaseAll(ctx, 1, "intruder", []string{"A", "B"}))
	owners, err := c.LockOwners(ctx, 1, []string{"A", "B", "Z"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "owner", "B": "owner"}, owners)

	require.NoError(t, c.ReleaseAll(ctx, 1, "owner", []string{"A", "B"}))
	require.NoError(t, c.ReleaseAll(ctx, 1, "owner", []string{"A", "B"}))

	owners, err = c.LockOwners(ctx, 1, []string{"A", "B"})
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestTransitionLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "checkout:transition:x", "t1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, "checkout:transition:x", "t2", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "checkout:transition:x", "t2"))
	assert.True(t, mr.Exists("lock:checkout:transition:x"))

	require.NoError(t, c.ReleaseLock(ctx, "checkout:transition:x", "t1"))
	assert.False(t, mr.Exists("lock:checkout:transition:x"))
}
