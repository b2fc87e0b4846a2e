package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// ErrLockLost is returned when a refresh finds the lock expired or taken over.
var ErrLockLost = errors.New("lock lost")

// Compare-and-act scripts so an owner never touches a lock it no longer holds.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a single-owner lease taken with SET NX PX.
type Lock struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration
}

// TryLock takes key for ttl or returns ErrLockHeld.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: c, key: key, token: token, ttl: ttl}, nil
}

// WaitLock polls TryLock every interval until it succeeds or ctx ends.
func (c *Client) WaitLock(ctx context.Context, key string, ttl, interval time.Duration) (*Lock, error) {
	for {
		lock, err := c.TryLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		c.logger.Info("Waiting for writer lock", zap.String("key", key))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Refresh extends the lease by its ttl.
func (l *Lock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release drops the lock if still owned.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// KeepAlive refreshes the lease at a third of its ttl and returns when ctx
// ends or the lease is lost. The caller should stop writing on ErrLockLost.
func (l *Lock) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLockLost) {
					return err
				}
				l.client.logger.Warn("Lock refresh failed", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
