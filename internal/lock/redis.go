// Package lock provides a Redis-backed per-vault lock for deployments without PostgreSQL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock: held by another holder")

const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// Options configure the Redis connection and lock lifetime.
type Options struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// TTL bounds how long a crashed holder can block others. Live holders refresh it.
	TTL time.Duration
}

// RedisLocker implements SETNX locks with a token-checked unlock.
type RedisLocker struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	unlockSc  *redis.Script
	refreshSc *redis.Script
	logger    zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*RedisLocker, error) {
	if opts.Addr == "" {
		return nil, errors.New("lock: redis addr not configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock: redis ping: %w", err)
	}
	return NewWithClient(rdb, opts, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, opts Options, logger zerolog.Logger) *RedisLocker {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "rebalancer"
	}
	return &RedisLocker{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		logger:    logger.With().Str("component", "redis_lock").Logger(),
	}
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLocker) key(vault string) string {
	return l.prefix + ":lock:vault:" + strings.ToLower(strings.TrimSpace(vault))
}

// Acquire takes the lock for vault. The returned unlock func is safe to call more than once.
// While held, the TTL is refreshed in the background.
func (l *RedisLocker) Acquire(ctx context.Context, vault string) (func(), error) {
	token := uuid.NewString()
	key := l.key(vault)

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(key, token, stop)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("unlock failed; lock will expire")
			}
		})
	}
	return unlock, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := l.refreshSc.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("lock refresh failed")
				continue
			}
			if res == 0 {
				l.logger.Error().Str("key", key).Msg("lock lost before release")
				return
			}
		}
	}
}

// TryVaultLock adapts Acquire to the (unlock, acquired, err) shape used by the advisory lock.
func (l *RedisLocker) TryVaultLock(ctx context.Context, vault string) (func(), bool, error) {
	unlock, err := l.Acquire(ctx, vault)
	if errors.Is(err, ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return unlock, true, nil
}
