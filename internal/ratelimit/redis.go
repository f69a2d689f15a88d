package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// RedisLimiter implements the same fixed windows as WindowLimiter on a shared
// Redis so that every instance draws from one budget per identifier.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

var _ Checker = (*RedisLimiter)(nil)

type RedisOption func(*RedisLimiter)

// WithKeyPrefix overrides the "ratelimit:" key prefix.
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLimiter) { l.prefix = p }
}

// WithRedisClock replaces time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewRedisLimiter(client redis.Cmdable, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{client: client, prefix: "ratelimit:", now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DialRedis connects to addr and pings it before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrapf(err, "redis ping %s", addr)
	}
	return c, nil
}

// checkScript runs one fixed-window check atomically. The first request of a
// window creates the counter with the window as its expiry, so the window
// does not slide with traffic. Rejections leave the counter untouched; a
// marker key living as long as the window reports the first one.
//
// KEYS[1] counter, KEYS[2] denial marker. ARGV[1] max, ARGV[2] window ms.
// Returns {allowed, ttl ms, count, first denial}.
var checkScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if count == 0 or ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  redis.call('DEL', KEYS[2])
  return {1, window, 1, 0}
end
if count >= max then
  if ttl < 1 then ttl = 1 end
  local first = 0
  if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ttl) then first = 1 end
  return {0, ttl, count, first}
end
count = redis.call('INCR', KEYS[1])
return {1, ttl, count, 0}
`)

// Check admits or rejects one request for identifier. Both keys live in the
// same hash slot only on a standalone server; a cluster would need a hash tag
// in the prefix.
func (l *RedisLimiter) Check(ctx context.Context, identifier string, p Policy) (Result, error) {
	p = p.withDefaults()
	key := l.prefix + identifier

	vals, err := checkScript.Run(ctx, l.client,
		[]string{key, key + ":denied"},
		p.MaxRequests, p.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, xerrors.Wrap(err, "ratelimit redis script")
	}
	if len(vals) != 4 {
		return Result{}, xerrors.Newf("ratelimit redis script returned %d values", len(vals))
	}

	res := Result{ResetAt: l.now().Add(time.Duration(vals[1]) * time.Millisecond)}
	if vals[0] == 0 {
		res.FirstDenial = vals[3] == 1
		return res, nil
	}
	res.Allowed = true
	res.Remaining = p.MaxRequests - int(vals[2])
	return res, nil
}
