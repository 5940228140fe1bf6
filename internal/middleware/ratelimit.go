package middleware

import (
    "fmt"
    "math"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/config"
    "github.com/iliyamo/backoffice-auth/internal/logging"
)

// tokenBucketScript takes one token from the bucket at KEYS[1], first adding
// the whole refill steps elapsed since the stored refill instant. The hash
// holds n (tokens left) and at (last refill, unix ms).
// ARGV: now_ms, capacity, refill_tokens, refill_interval_ms, ttl_seconds.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
    local now, cap = tonumber(ARGV[1]), tonumber(ARGV[2])
    local step, every = tonumber(ARGV[3]), tonumber(ARGV[4])
    local ttl_ms = tonumber(ARGV[5]) * 1000

    local n = tonumber(redis.call('HGET', KEYS[1], 'n'))
    local at = tonumber(redis.call('HGET', KEYS[1], 'at'))
    if n == nil or at == nil then
        n, at = cap, now
    elseif step > 0 and every > 0 and now > at then
        local k = math.floor((now - at) / every)
        n = math.min(cap, n + k * step)
        at = at + k * every
    end

    local ok, wait = 0, 0
    if n >= 1 then
        ok, n = 1, n - 1
    else
        wait = math.max(0, at + every - now)
    end

    redis.call('HSET', KEYS[1], 'n', n, 'at', at)
    redis.call('PEXPIRE', KEYS[1], ttl_ms)
    return { ok, n, wait }
`)

// NewTokenBucket throttles requests with a Redis-backed token bucket. It is
// a no-op when disabled or without a Redis client, and fails open when Redis
// errors so an outage never locks users out of the back office.
func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.UniversalClient, log logging.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    if log == nil {
        log = logging.Nop()
    }

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(cfg, c)
            ctx := c.Request().Context()

            args := []interface{}{
                time.Now().UnixMilli(),
                cfg.Capacity,
                cfg.RefillTokens,
                cfg.RefillInterval.Milliseconds(),
                int64(cfg.TTL / time.Second),
            }
            vals, err := tokenBucketScript.Run(ctx, rdb, []string{key}, args...).Result()
            if err != nil {
                log.Warn(ctx, "ratelimit: redis error", "key", key, "error", err)
                return next(c)
            }

            arr, ok := vals.([]interface{})
            if !ok || len(arr) != 3 {
                log.Warn(ctx, "ratelimit: unexpected script result", "key", key, "result", fmt.Sprintf("%#v", vals))
                return next(c)
            }
            allowed := asInt64(arr[0]) == 1
            remaining := asInt64(arr[1])
            retryMs := asInt64(arr[2])

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

            if !allowed {
                secs := int(math.Ceil(float64(retryMs) / 1000.0))
                if secs < 0 {
                    secs = 0
                }
                h.Set("Retry-After", strconv.Itoa(secs))
                if cfg.Debug {
                    log.Info(ctx, "ratelimit: block", "key", key, "retry_ms", retryMs)
                }
                return autherr.RateLimited(time.Duration(retryMs) * time.Millisecond)
            }
            if cfg.Debug {
                h.Set("X-RateLimit-Key", key)
            }
            return next(c)
        }
    }
}

func asInt64(v interface{}) int64 {
    switch t := v.(type) {
    case int64:
        return t
    case int:
        return int64(t)
    case float64:
        return int64(t)
    case string:
        if n, err := strconv.ParseInt(t, 10, 64); err == nil {
            return n
        }
    }
    return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    parts := []string{cfg.Prefix}
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    uid := userID(c)
    route := c.Request().Method + " " + c.Path()

    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = append(parts, "ip", ip)
    case "user":
        parts = append(parts, "user", uid)
    case "route":
        parts = append(parts, "route", route)
    case "ip_user":
        parts = append(parts, "ip", ip, "user", uid)
    case "ip_route":
        parts = append(parts, "ip", ip, "route", route)
    case "user_route":
        parts = append(parts, "user", uid, "route", route)
    default:
        parts = append(parts, "ip", ip, "user", uid, "route", route)
    }
    return strings.Join(parts, ":")
}
