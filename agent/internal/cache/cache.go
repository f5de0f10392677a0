// Package cache mirrors device status into Redis so dashboards on other
// hosts can read it without access to the status file.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/huawei-manager/pkg/types"
)

const (
	// Key prefix for device status
	keyPrefix = "huawei-manager:status:"

	// minTTL keeps entries of fast-polling devices from flapping.
	minTTL = 60 * time.Second
)

// client is the subset of *redis.Client the mirror needs.
type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Cache publishes device status to Redis.
type Cache struct {
	client client
	logger *slog.Logger

	mu   sync.RWMutex
	ttls map[string]time.Duration
}

// New connects to redisURL and verifies the connection with PING.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rc := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newCache(rc, logger), nil
}

func newCache(c client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: c,
		logger: logger.With("component", "cache"),
		ttls:   make(map[string]time.Duration),
	}
}

// Key returns the Redis key for a device.
func Key(deviceID string) string {
	return keyPrefix + deviceID
}

// SetPollInterval sets the entry lifetime for a device to three poll
// intervals, so a stopped daemon's entries expire on their own.
func (c *Cache) SetPollInterval(deviceID string, interval time.Duration) {
	ttl := 3 * interval
	if ttl < minTTL {
		ttl = minTTL
	}
	c.mu.Lock()
	c.ttls[deviceID] = ttl
	c.mu.Unlock()
}

func (c *Cache) ttl(deviceID string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ttl, ok := c.ttls[deviceID]; ok {
		return ttl
	}
	return minTTL
}

// PublishStatus stores status as JSON under Key(deviceID).
func (c *Cache) PublishStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	if err := c.client.Set(ctx, Key(deviceID), data, c.ttl(deviceID)).Err(); err != nil {
		return fmt.Errorf("publishing status for %s: %w", deviceID, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
