// Package redis provides the shared-state layer of the mining daemon:
// cross-process share submission dedup and a shared epoch seed cache, so
// multiple daemons against one pool do not duplicate work.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	goredis "github.com/redis/go-redis/v9"

	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/log"
)

// Key TTLs. Submission guards outlive any plausible share resubmission
// window; seeds persist for roughly an epoch's wall-clock span.
const (
	submissionTTL = 24 * time.Hour
	seedTTL       = 7 * 24 * time.Hour
)

// Client wraps Redis operations for the mining daemon.
type Client struct {
	rdb    *goredis.Client
	logger *log.Logger
}

// Config holds Redis connection configuration.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, logger: logger.WithComponent("redis")}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Share submission dedup

// FirstSubmission atomically claims a submission key. Returns true exactly
// once per key across all processes sharing this Redis. Fails open: if
// Redis is unreachable the caller's in-process guard is the only
// protection, which is preferable to silently dropping shares.
func (c *Client) FirstSubmission(ctx context.Context, key string) bool {
	ok, err := c.rdb.SetNX(ctx, "submitted:"+key, 1, submissionTTL).Result()
	if err != nil {
		c.logger.Warn("submission dedup check failed, allowing submission",
			"key", key, "error", err.Error())
		return true
	}
	return ok
}

// Epoch seed cache

var _ randomx.SeedCache = (*Client)(nil)

// GetSeed implements randomx.SeedCache. Errors and malformed values are
// treated as misses.
func (c *Client) GetSeed(ctx context.Context, epochHeight int64) (chainhash.Hash, bool) {
	val, err := c.rdb.Get(ctx, seedKey(epochHeight)).Result()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn("seed cache read failed", "epoch_height", epochHeight, "error", err.Error())
		}
		return chainhash.Hash{}, false
	}

	hash, err := chainhash.NewHashFromStr(val)
	if err != nil {
		c.logger.Warn("seed cache holds malformed hash", "epoch_height", epochHeight, "value", val)
		return chainhash.Hash{}, false
	}
	return *hash, true
}

// SetSeed implements randomx.SeedCache. Write failures are logged and
// dropped; the in-process cache still covers this daemon.
func (c *Client) SetSeed(ctx context.Context, epochHeight int64, seed chainhash.Hash) {
	if err := c.rdb.Set(ctx, seedKey(epochHeight), seed.String(), seedTTL).Err(); err != nil {
		c.logger.Warn("seed cache write failed", "epoch_height", epochHeight, "error", err.Error())
	}
}

// InvalidateSeed drops a cached epoch seed, used on reorgs that replace an
// epoch anchor block.
func (c *Client) InvalidateSeed(ctx context.Context, epochHeight int64) {
	if err := c.rdb.Del(ctx, seedKey(epochHeight)).Err(); err != nil {
		c.logger.Warn("seed cache invalidation failed", "epoch_height", epochHeight, "error", err.Error())
	}
}

func seedKey(epochHeight int64) string {
	return fmt.Sprintf("seed:%d", epochHeight)
}
