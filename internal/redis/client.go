// Package redis mirrors switch events and health snapshots to Redis so
// external dashboards can watch the switcher without touching its control
// plane. The mirror is best-effort: a dead Redis never affects switching.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis client with logging.
type Client struct {
	*redis.Client
	log *zap.Logger
}

// NewClient creates a Redis client for the mirror.
func NewClient(addr string, db int, log *zap.Logger) *Client {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}

	client := &Client{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}

	if err := client.Ping(context.TODO()).Err(); err != nil {
		// Not fatal: the mirror degrades to no-ops while Redis is away.
		client.log.Warn("redis unreachable, mirror degraded", zap.String("addr", addr), zap.Error(err))
	} else {
		client.log.Info("redis client initialized", zap.String("addr", addr), zap.Int("db", db))
	}

	return client
}
