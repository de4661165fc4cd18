// Package coordination keeps periodic passes from running on two replicas at
// once, using a Redis lease.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lease length when none is configured.
const DefaultTTL = 5 * time.Minute

var (
	// ErrNotAcquired is returned when another holder owns the lease.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing or extending a lease this
	// instance no longer owns.
	ErrNotHeld = errors.New("lock not held")
)

var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker runs functions under named leases.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// RedisLocker hands out leases stored as Redis keys with a random token, so
// only the owner can release them.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a RedisLocker. Keys are namespaced with prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "booth-crawler:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Lease is one acquired lock.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// TryAcquire takes the lease for name without waiting.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// WithLock runs fn while holding the lease for name. When the lease is held
// elsewhere it returns ErrNotAcquired without running fn.
func (l *RedisLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	lease, err := l.TryAcquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was canceled mid-run.
		_ = lease.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

// Release deletes the lease if this holder still owns it.
func (s *Lease) Release(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, s.client, []string{s.key}, s.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", s.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease expiry out to ttl from now.
func (s *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{s.key}, s.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", s.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Key returns the Redis key backing the lease.
func (s *Lease) Key() string {
	return s.key
}

// LocalLocker is the single-replica Locker used when Redis is not
// configured. Names are exclusive within the process.
type LocalLocker struct {
	held chan map[string]struct{}
}

// NewLocalLocker builds a LocalLocker.
func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{held: make(chan map[string]struct{}, 1)}
	l.held <- map[string]struct{}{}
	return l
}

// WithLock implements Locker.
func (l *LocalLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	held := <-l.held
	if _, busy := held[name]; busy {
		l.held <- held
		return fmt.Errorf("%s: %w", name, ErrNotAcquired)
	}
	held[name] = struct{}{}
	l.held <- held

	defer func() {
		held := <-l.held
		delete(held, name)
		l.held <- held
	}()
	return fn(ctx)
}
