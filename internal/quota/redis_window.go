package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedWindow is a per-minute request counter shared by several processes.
type SharedWindow interface {
	// Incr counts one request and returns the count in the current window.
	Incr(ctx context.Context, backend string) (int64, error)
	// Count returns the count in the current window without changing it.
	Count(ctx context.Context, backend string) (int64, error)
}

// fixedWindowScript implements a fixed window counter. A window that has
// expired is reset on increment and reported as empty on a peek.
//
// KEYS[1] window start key, KEYS[2] counter key
// ARGV[1] now (unix seconds), ARGV[2] window size (seconds), ARGV[3] increment (0 or 1)
const fixedWindowScript = `
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local increment = tonumber(ARGV[3])

local window_start = redis.call('GET', KEYS[1])
if not window_start or (now - tonumber(window_start)) >= window_size then
    if increment == 0 then
        return 0
    end
    redis.call('SET', KEYS[1], tostring(now), 'EX', window_size)
    redis.call('SET', KEYS[2], increment, 'EX', window_size)
    return increment
end

if increment == 0 then
    return tonumber(redis.call('GET', KEYS[2]) or '0')
end

local counter = redis.call('INCRBY', KEYS[2], increment)
if redis.call('TTL', KEYS[2]) == -1 then
    redis.call('EXPIRE', KEYS[2], window_size)
end
return counter
`

// RedisWindow implements SharedWindow on Redis.
type RedisWindow struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow creates a shared window. prefix namespaces the keys so
// several deployments can share one Redis.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "genmux:quota"
	}
	return &RedisWindow{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		window: DefaultWindow,
		now:    time.Now,
	}
}

// keys returns the window and counter keys for backend. The hash tag keeps
// both keys on the same cluster slot.
func (r *RedisWindow) keys(backend string) []string {
	tag := fmt.Sprintf("%s:{%s}", r.prefix, backend)
	return []string{tag + ":window", tag + ":count"}
}

func (r *RedisWindow) run(ctx context.Context, backend string, increment int) (int64, error) {
	args := []interface{}{r.now().Unix(), int64(r.window.Seconds()), increment}
	val, err := r.script.Run(ctx, r.client, r.keys(backend), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("quota window script: %w", err)
	}
	switch v := val.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected result type from redis script: %T", val)
	}
}

// Incr implements SharedWindow.
func (r *RedisWindow) Incr(ctx context.Context, backend string) (int64, error) {
	return r.run(ctx, backend, 1)
}

// Count implements SharedWindow.
func (r *RedisWindow) Count(ctx context.Context, backend string) (int64, error) {
	return r.run(ctx, backend, 0)
}
