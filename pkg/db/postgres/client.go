package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/impactmarket/ledgerx/pkg/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string // For logging/debugging
}

// New connects to dbURL, retrying until the server answers a ping or ctx expires.
func New(ctx context.Context, logger *zap.Logger, dbURL string, poolConf PoolConfig) (client Client, err error) {
	// Add timeout to context for initial connection
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("database", config.ConnConfig.Database),
			zap.String("component", poolConf.Component),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
			zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
		)
		return nil
	})
	if retryErr != nil {
		return Client{}, retryErr
	}

	return client, nil
}

// Exec executes a statement on the executor carried by ctx.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// QueryRow executes a query that is expected to return at most one row
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// Query executes a query that returns rows
// IMPORTANT: Caller MUST call rows.Close() when done to release the connection
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// BeginFunc executes a function within a transaction
// If the function returns an error, the transaction is rolled back
// Otherwise, the transaction is committed
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// InTx runs fn in a transaction carried by the context. Calls made with a
// context that already holds a transaction join it.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	return c.BeginFunc(ctx, func(tx pgx.Tx) error {
		return fn(c.WithTx(ctx, tx))
	})
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on key. It must be
// called inside InTx; the lock is released at commit or rollback.
func (c *Client) AdvisoryXactLock(ctx context.Context, key string) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); !ok {
		return errors.New("advisory lock requires a transaction")
	}
	return c.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
}

// Ping checks the pool can reach the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// Close closes the connection pool
func (c *Client) Close() error {
	c.Pool.Close()
	return nil
}

// ctxKey is the type used for context keys to avoid collisions
type ctxKey string

// txKey is the context key for storing the transaction
const txKey ctxKey = "pgx_tx"

// WithTx returns a new context with the transaction embedded
// This allows methods to automatically use the transaction when present
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns an Executor from the context
// If a transaction is present in the context, it returns the transaction
// Otherwise, it returns the connection pool for non-transactional operations
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent returns deterministic pool settings for each component
func GetPoolConfigForComponent(component string) PoolConfig {
	var minConns, maxConns int32
	connMaxLifetime := 5 * time.Minute
	connMaxIdleTime := 2 * time.Minute

	switch component {
	case "ingestor":
		// one writer, one transaction per event
		minConns = 2
		maxConns = 5
	case "reporter":
		minConns = 2
		maxConns = 20
	case "query":
		minConns = 2
		maxConns = 10
	default:
		minConns = 2
		maxConns = 20
	}

	return PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		Component:       component,
	}
}
