package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/audit"
	"github.com/syncflow/link-server/internal/config"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/httputil"
)

const rateLimitKeyPrefix = "ratelimit:"

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + 10000)

local remaining = limit - count - 1
local resetAt = now + window

return {1, remaining, resetAt}
`)

// RedisRateLimiter is a sliding-window limiter shared by every server
// instance. When redis is unreachable it degrades to a per-process window.
type RedisRateLimiter struct {
	client    *redis.Client
	keyPrefix string
	fallback  *RateLimiter
	now       func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, keyPrefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix + rateLimitKeyPrefix,
		fallback:  NewRateLimiter(),
		now:       time.Now,
	}
}

// Check records one hit against key. resetAt is a unix timestamp in seconds.
func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt int64) {
	now := rl.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10)

	result, err := rateLimitScript.Run(ctx, rl.client, []string{rl.keyPrefix + key},
		nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil || len(result) != 3 {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, using local window")
		return rl.fallback.Check(key, limit, window)
	}

	return result[0] == 1, int(result[1]), result[2] / 1000
}

// RedisRateLimitMiddleware limits authenticated callers per account. It must
// run after the auth middleware.
type RedisRateLimitMiddleware struct {
	limiter *RedisRateLimiter
	limit   int
	window  time.Duration
}

func NewRedisRateLimitMiddleware(limiter *RedisRateLimiter, limit int) *RedisRateLimitMiddleware {
	if limit <= 0 {
		limit = config.DefaultRateLimitPerMin
	}
	return &RedisRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  config.RateLimitWindow,
	}
}

func (m *RedisRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt := m.limiter.Check(r.Context(), "account:"+principal.AccountID, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventRateLimitExceed,
				AccountID: principal.AccountID,
				DeviceID:  principal.DeviceID,
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
