package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"groupbuy-service/internal/models"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const lockPollInterval = 25 * time.Millisecond

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	lockTTL       time.Duration
}

// NewClient creates a new Redis client. lockTTL bounds how long a crashed holder can block an actor.
func NewClient(addr, password string, db int, lockTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		lockTTL:       lockTTL,
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func actorLockKey(actorID int64) string {
	return fmt.Sprintf("lock:actor:%d", actorID)
}

func triggerKey(eventID string) string {
	return fmt.Sprintf("trigger:%s", eventID)
}

// LockActor blocks until it holds the actor's lock, the lock TTL elapses or ctx is done.
// The returned release only deletes the key while this caller still owns it.
func (c *Client) LockActor(ctx context.Context, actorID int64) (func(context.Context) error, error) {
	key := actorLockKey(actorID)
	token := uuid.New().String()
	deadline := time.Now().Add(c.lockTTL)

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire actor lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				if _, err := c.releaseScript.Run(ctx, c.rdb, []string{key}, token).Result(); err != nil {
					return fmt.Errorf("release actor lock script failed: %w", err)
				}
				return nil
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: actor %d is locked by another request", models.ErrConcurrencyConflict, actorID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// ClaimEvent marks a trigger event as being handled. It returns false when another
// consumer already claimed it within ttl.
func (c *Client) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, triggerKey(eventID), "1", ttl).Result()
}

// ReleaseEvent drops a claim so the event can be handled again after a failure.
func (c *Client) ReleaseEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, triggerKey(eventID)).Err()
}
