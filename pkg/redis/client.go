package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	driverLockPrefix = "dispatch:lock:driver:"
	eventPrefix      = "dispatch:event:"
)

// processedEventTTL bounds ledger growth; redeliveries arrive well within it.
const processedEventTTL = 7 * 24 * time.Hour

// Client wraps the Redis connection used for cross-instance coordination:
// per-driver offer locks and the processed-event ledger.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis with retry.
func NewClient(addr, password string) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err == nil {
			cancel()
			log.Println("connected to redis")
			return &Client{rdb: rdb}, nil
		}
		cancel()
		log.Printf("waiting for redis... (%d/20)", i+1)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// TryAcquireDriver takes the exclusive offer lock for a driver.
// Returns false when another dispatch instance already holds it.
// The TTL covers the offer window plus a grace period so a crashed
// instance cannot hold a driver hostage.
func (c *Client) TryAcquireDriver(ctx context.Context, driverID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, driverLockPrefix+driverID, "1", ttl).Result()
}

// ReleaseDriver frees the offer lock. Releasing an already-expired or
// never-held lock is a no-op.
func (c *Client) ReleaseDriver(ctx context.Context, driverID string) error {
	return c.rdb.Del(ctx, driverLockPrefix+driverID).Err()
}

// HasProcessed reports whether an inbound event id is already in the ledger.
func (c *Client) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, eventPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records an inbound event id. Callers must invoke this only
// after all side effects have committed; duplicates are harmless.
func (c *Client) MarkProcessed(ctx context.Context, eventID string) error {
	return c.rdb.Set(ctx, eventPrefix+eventID, "1", processedEventTTL).Err()
}

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
