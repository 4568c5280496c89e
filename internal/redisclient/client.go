package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps Redis for the best-effort concerns of this service: a fast
// path for replayed webhook events, a manifest cache, and resend
// throttling. The database remains the source of truth for all of them.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
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

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkEventSeen records a processed webhook event id with a TTL. Only
// events whose ledger row is already processed=true are marked, so a hit
// can safely short-circuit the ledger read.
func (c *Client) MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, "webhook:seen:"+eventID, "1", ttl).Err()
}

// EventSeen reports whether an event id has been marked processed
func (c *Client) EventSeen(ctx context.Context, eventID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, "webhook:seen:"+eventID).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// CacheManifest stores a rendered download manifest
func (c *Client) CacheManifest(ctx context.Context, productID int64, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("manifest:%d", productID), data, ttl).Err()
}

// GetManifest retrieves a cached manifest. Returns nil bytes with no error
// on a miss.
func (c *Client) GetManifest(ctx context.Context, productID int64) ([]byte, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf("manifest:%d", productID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// InvalidateManifest drops a cached manifest after catalog changes
func (c *Client) InvalidateManifest(ctx context.Context, productID int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf("manifest:%d", productID)).Err()
}

// AcquireResendLock takes a per-email cooldown lock for the resend
// endpoint. Returns false when a resend for the address ran recently.
func (c *Client) AcquireResendLock(ctx context.Context, email string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "resend:lock:"+email, "1", ttl).Result()
}
