// Package lock provides named, TTL-bounded mutual exclusion across
// processes. A holder that crashes is released when its TTL elapses.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is currently held by someone else.
var ErrNotAcquired = errors.New("lock: held by another owner")

// ReleaseFunc releases a held lock. Releasing a lock that already expired
// and was taken by another owner is a no-op.
type ReleaseFunc func(ctx context.Context) error

// Locker acquires named locks.
type Locker interface {
	// Acquire takes the named lock for at most ttl, or fails immediately
	// with ErrNotAcquired.
	Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error)
}

const defaultRedisPrefix = "lock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release script.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. An empty prefix uses "lock:".
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: invalid ttl %s", ttl)
	}
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		return nil
	}, nil
}

// LocalLocker implements Locker within one process. Used when no Redis is
// configured (single-node development).
type LocalLocker struct {
	mu        sync.Mutex
	held      map[string]localLease
	lastToken uint64
	clock     func() time.Time
}

type localLease struct {
	token   uint64
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localLease),
		clock: time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: invalid ttl %s", ttl)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[name]; ok && now.Before(lease.expires) {
		return nil, ErrNotAcquired
	}

	l.lastToken++
	token := l.lastToken
	l.held[name] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[name]; ok && lease.token == token {
			delete(l.held, name)
		}
		return nil
	}, nil
}
