package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisCounter shares counts between gateway instances.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

var _ Counter = (*RedisCounter)(nil)

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "x402:rate_limit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// NewRedisCounterFromURL parses a redis:// URL such as REDIS_URL.
func NewRedisCounterFromURL(rawURL, prefix string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisCounter(redis.NewClient(opts), prefix), nil
}

func (c *RedisCounter) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := incrementScript.Run(ctx, c.client, []string{c.prefix + ":" + key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis counter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis counter count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok || ttl < 0 {
		ttl = windowMs
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
