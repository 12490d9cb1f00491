package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/acquire_seats.lua
var acquireSeatsScript string

//go:embed scripts/release_owned.lua
var releaseOwnedScript string

type Client struct {
	rdb           *redis.Client
	acquireScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
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

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireSeatsScript),
		releaseScript: redis.NewScript(releaseOwnedScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// seatKey scopes a seat to its event item. The hash tag keeps every seat of
// one event item in the same cluster slot so the scripts can touch them together.
func seatKey(scopeID int64, seatID string) string {
	return fmt.Sprintf("seatlock:{%d}:%s", scopeID, seatID)
}

func seatKeys(scopeID int64, seatIDs []string) []string {
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = seatKey(scopeID, id)
	}
	return keys
}

// AcquireAll locks every seat for owner or none of them.
// Returns false and the seats held by someone else when any seat is taken.
func (c *Client) AcquireAll(ctx context.Context, scopeID int64, owner string, seatIDs []string, ttl time.Duration) (bool, []string, error) {
	if len(seatIDs) == 0 {
		return false, nil, errors.New("no seats to lock")
	}
	if ttl <= 0 {
		return false, nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	result, err := c.acquireScript.Run(ctx, c.rdb, seatKeys(scopeID, seatIDs), owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire seats script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return false, nil, fmt.Errorf("unexpected script result type")
	}

	if flag, _ := values[0].(int64); flag == 1 {
		return true, nil, nil
	}

	conflicts := make([]string, 0, len(values)-1)
	for _, v := range values[1:] {
		idx, ok := v.(int64)
		if !ok || idx < 1 || int(idx) > len(seatIDs) {
			return false, nil, fmt.Errorf("unexpected conflict index %v", v)
		}
		conflicts = append(conflicts, seatIDs[idx-1])
	}

	return false, conflicts, nil
}

// ReleaseAll drops the seat locks owned by owner. Missing or foreign locks are left alone.
func (c *Client) ReleaseAll(ctx context.Context, scopeID int64, owner string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}

	_, err := c.releaseScript.Run(ctx, c.rdb, seatKeys(scopeID, seatIDs), owner).Result()
	if err != nil {
		return fmt.Errorf("release seats script failed: %w", err)
	}

	return nil
}

// IsLocked reports whether a seat currently has a live lock
func (c *Client) IsLocked(ctx context.Context, scopeID int64, seatID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seatKey(scopeID, seatID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LockOwners returns the owner of each locked seat. Unlocked seats are absent from the map.
func (c *Client) LockOwners(ctx context.Context, scopeID int64, seatIDs []string) (map[string]string, error) {
	owners := make(map[string]string)
	if len(seatIDs) == 0 {
		return owners, nil
	}

	values, err := c.rdb.MGet(ctx, seatKeys(scopeID, seatIDs)...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if s, ok := v.(string); ok {
			owners[seatIDs[i]] = s
		}
	}
	return owners, nil
}

// AcquireLock acquires a distributed lock held under token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if it is still held under token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
