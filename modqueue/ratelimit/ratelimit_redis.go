package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisLimitPrefix string = "ratelimit/submitter/"

// prune, count and (maybe) record in a single round-trip, atomically per key.
//
// KEYS[1] = submitter key
// ARGV[1] = now (unix ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
//
// returns {1, 0} when admitted, or {0, oldest_ms} when denied
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2])}
`)

// RedisLimiter keeps one sorted set per submitter, scored by admission time in milliseconds. Keys expire once the window has passed with no admissions.
type RedisLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{
		Client: rdb,
		Limit:  limit,
		Window: window,
	}, nil
}

func redisLimitKey(submitterID int64) string {
	return redisLimitPrefix + strconv.FormatInt(submitterID, 10)
}

// members must be unique per admission, so they carry full nanosecond precision even though scores are milliseconds
func redisMember(at time.Time) string {
	return strconv.FormatInt(at.UnixNano(), 10)
}

func (s *RedisLimiter) Admit(ctx context.Context, submitterID int64, now time.Time) (Decision, error) {
	res, err := admitScript.Run(ctx, s.Client,
		[]string{redisLimitKey(submitterID)},
		now.UnixMilli(),
		s.Window.Milliseconds(),
		s.Limit,
		redisMember(now),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: retryAfter(time.UnixMilli(res[1]), s.Window, now),
	}, nil
}

func (s *RedisLimiter) Refund(ctx context.Context, submitterID int64, at time.Time) error {
	return s.Client.ZRem(ctx, redisLimitKey(submitterID), redisMember(at)).Err()
}

func (s *RedisLimiter) Close() error {
	return s.Client.Close()
}
