package redisclient

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbuy-service/internal/models"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:actor:42", actorLockKey(42))
	assert.Equal(t, "trigger:abc", triggerKey("abc"))
}

func newTestClient(t *testing.T, ttl time.Duration) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set REDIS_ADDR)")
	}
	c, err := NewClient(addr, "", 0, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockActorSerializes(t *testing.T) {
	c := newTestClient(t, 2*time.Second)
	ctx := context.Background()
	actorID := time.Now().UnixNano()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.LockActor(ctx, actorID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			assert.NoError(t, release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockActorTimesOut(t *testing.T) {
	c := newTestClient(t, 200*time.Millisecond)
	ctx := context.Background()
	actorID := time.Now().UnixNano()

	require.NoError(t, c.GetClient().Set(ctx, actorLockKey(actorID), "someone-else", 5*time.Second).Err())
	defer c.GetClient().Del(ctx, actorLockKey(actorID))

	_, err := c.LockActor(ctx, actorID)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	c := newTestClient(t, time.Second)
	ctx := context.Background()
	actorID := time.Now().UnixNano()

	release, err := c.LockActor(ctx, actorID)
	require.NoError(t, err)

	// the lock expired and someone else took it
	require.NoError(t, c.GetClient().Set(ctx, actorLockKey(actorID), "other", time.Second).Err())
	require.NoError(t, release(ctx))

	v, err := c.GetClient().Get(ctx, actorLockKey(actorID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestClaimEvent(t *testing.T) {
	c := newTestClient(t, time.Second)
	ctx := context.Background()
	id := uuid.New().String()

	ok, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseEvent(ctx, id))
	ok, err = c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
