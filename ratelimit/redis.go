package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// slidingWindow drops expired entries, then appends only while the window has room.
// KEYS[1] window key, ARGV now ms, window ms, limit, unique member.
var slidingWindow = redis.NewScript(1, `
local now = tonumber(ARGV[1])
local length = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - length)
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], length)
  return 1
end
return 0
`)

func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// RedisStore shares windows between every process using the same redis.
type RedisStore struct {
	pool *redis.Pool
}

func NewRedisStore(pool *redis.Pool) *RedisStore {
	return &RedisStore{pool: pool}
}

func (s *RedisStore) CompareAndAppend(ctx context.Context, key string, now time.Time, w Window) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ms := now.UnixMilli()
	member := strconv.FormatInt(ms, 10) + "-" + uuid.NewString()
	admitted, err := redis.Int(slidingWindow.Do(conn, key, ms, w.Length.Milliseconds(), w.Limit, member))
	if err != nil {
		return false, err
	}
	return admitted == 1, nil
}
