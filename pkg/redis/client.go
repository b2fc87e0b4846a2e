package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
)

// Options configures the connection. Addr is host:port.
type Options struct {
	Addr         string
	Password     string
	DB           int
	StreamMaxLen int64 // 0 = unlimited
}

// Client wraps the Redis client used for the watcher stream, the writer lock
// and the metric cache.
type Client struct {
	client       redis.UniversalClient
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("streamMaxLen", opts.StreamMaxLen))

	return NewFromUniversal(rdb, logger, opts.StreamMaxLen), nil
}

// NewFromUniversal wraps an existing go-redis client.
func NewFromUniversal(rdb redis.UniversalClient, logger *zap.Logger, streamMaxLen int64) *Client {
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Redis Streams API
// =============================================================================

// XAdd appends an entry, capping the stream with an approximate MAXLEN when configured.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	return c.client.XAdd(ctx, args).Result()
}

// XReadGroup reads entries for a consumer group. Use ">" for undelivered
// entries and "0" for this consumer's pending ones.
func (c *Client) XReadGroup(ctx context.Context, group, consumer, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error) {
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, lastID},
		Count:    count,
		Block:    block,
	}).Result()
}

// XAck acknowledges that entries have been processed by a consumer group.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return c.client.XAck(ctx, stream, group, ids...).Result()
}

// XGroupCreateMkStream creates a consumer group and the stream if needed. An
// existing group is not an error.
func (c *Client) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// XLen returns the number of entries in a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// IsNil reports a missing key or an empty blocking read.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
