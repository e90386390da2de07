package worktree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker grants exclusive ownership of the working copy.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done.
	Lock(ctx context.Context) (Unlock, error)
}

// MutexLocker is an in-process Locker.
type MutexLocker struct {
	sem chan struct{}
}

// NewMutexLocker creates an unlocked MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{sem: make(chan struct{}, 1)}
}

// Lock acquires the lock, honouring ctx.
func (l *MutexLocker) Lock(ctx context.Context) (Unlock, error) {
	select {
	case l.sem <- struct{}{}:
		return func(context.Context) error {
			<-l.sem
			return nil
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for working copy lock: %w", ctx.Err())
	}
}

// releaseScript deletes the lock key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LeaseClient is the subset of the Redis client used by RedisLocker.
type LeaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker is a lease held in Redis, shared by every daemon that drives
// the same working copy. The holder renews the lease every TTL/3 so long git
// operations keep it; a crashed holder stops renewing and the lease expires
// after TTL.
type RedisLocker struct {
	client LeaseClient
	key    string
	ttl    time.Duration
	renew  time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker on key. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(client LeaseClient, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, renew: ttl / 3, retry: 100 * time.Millisecond}
}

// Lock polls SET NX until it wins or ctx is done. The returned Unlock stops
// renewal and reports an error when the lease was lost while held.
func (l *RedisLocker) Lock(ctx context.Context) (Unlock, error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", l.key, err)
		}
		if ok {
			return l.hold(token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for working copy lock: %w", ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) hold(token string) Unlock {
	var (
		stop = make(chan struct{})
		done = make(chan struct{})
		lost atomic.Bool
	)
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.renew)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.extend(token) {
					lost.Store(true)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		released := false
		once.Do(func() {
			close(stop)
			released = true
		})
		if !released {
			return nil
		}
		<-done
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("redis unlock %s: %w", l.key, err)
		}
		if lost.Load() {
			return fmt.Errorf("redis lock %s: lease lost while held", l.key)
		}
		return nil
	}
}

// extend renews the lease. It returns false only when the key is gone or
// holds another token; transport errors are retried on the next tick.
func (l *RedisLocker) extend(token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.renew)
	defer cancel()
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return true
	}
	return n == 1
}
