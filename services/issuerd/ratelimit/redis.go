package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript starts a window with a TTL when the key is absent (or has
// expired) and increments it while below the limit. Returns {allowed, pttl}.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return {1, tonumber(ARGV[2])}
end
if tonumber(current) >= tonumber(ARGV[1]) then
  return {0, redis.call('PTTL', KEYS[1])}
end
redis.call('INCR', KEYS[1])
return {1, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter keeps window counters in redis keys that expire at the window
// reset. Suitable when several issuerd replicas share a redis deployment.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisLimiter constructs a limiter using client. prefix namespaces keys.
func NewRedisLimiter(client redis.Scripter, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// CheckAndIncrement counts one request against (subject, window).
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, subject string, w Window) error {
	if err := validate(subject, w); err != nil {
		return err
	}
	key := l.prefix + subject + ":" + w.Label
	res, err := fixedWindowScript.Run(ctx, l.client, []string{key}, w.Limit, w.Length.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("ratelimit: redis: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return nil
	}
	limitErr := &LimitError{Window: w.Label}
	if res[1] > 0 {
		limitErr.ResetAt = l.now().Add(time.Duration(res[1]) * time.Millisecond).UTC()
	}
	return limitErr
}

var _ Limiter = (*RedisLimiter)(nil)
