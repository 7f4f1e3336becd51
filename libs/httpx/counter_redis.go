package httpx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a fixed-window counter backed by Redis.
// It is meant for production deployments where multiple instances run concurrently.
type RedisCounter struct {
	rdb    redis.Scripter
	prefix string
}

// Returns {count, pttl}. INCR is atomic, so concurrent callers never lose a hit.
var redisFixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

func NewRedisCounter(rdb redis.Scripter, prefix string) *RedisCounter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (c *RedisCounter) Take(ctx context.Context, key string, limit int, window time.Duration) (Hit, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = int64(time.Minute / time.Millisecond)
	}
	res, err := redisFixedWindowScript.Run(ctx, c.rdb, []string{c.prefix + ":" + key}, ms).Result()
	if err != nil {
		return Hit{}, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Hit{}, fmt.Errorf("unexpected redis script result %T", res)
	}
	count, err := toInt64(vals[0])
	if err != nil {
		return Hit{}, err
	}
	ttl, err := toInt64(vals[1])
	if err != nil {
		return Hit{}, err
	}
	if count > int64(limit) {
		retry := time.Duration(ttl) * time.Millisecond
		if ttl < 0 {
			retry = window
		}
		return Hit{Allowed: false, Count: count, RetryAfter: retry}, nil
	}
	return Hit{Allowed: true, Count: count}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		// Lua sometimes returns strings depending on Redis config/driver conversions.
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis value type %T", v)
	}
}
