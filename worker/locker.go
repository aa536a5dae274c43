package worker

import (
	"context"
	"sync"
	"time"

	"github.com/RichardKnop/redsync"
	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
)

// Locker serializes the poll cycles of one sync. TryLock never waits: a held lock
// reports ok=false and the caller skips the sync for this tick.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

// RedisLocker holds the lock in redis so several dispatcher processes can share the
// schedule. The lock expires after ttl if its holder dies mid cycle.
type RedisLocker struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

func NewRedisLocker(pool *redis.Pool, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rs: redsync.New([]redsync.Pool{pool}), ttl: ttl}
}

func (l *RedisLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	mutex := l.rs.NewMutex("sync-dispatch:lock:"+key, redsync.SetExpiry(l.ttl), redsync.SetTries(1))
	if err := mutex.Lock(); err != nil {
		if err == redsync.ErrFailed {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() {
		if !mutex.Unlock() {
			logrus.Warnf("lock %s expired before release", key)
		}
	}, true, nil
}
