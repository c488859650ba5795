package ratelimit

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"

	"gymcrm.org/internal/obs"
)

// DefaultRedisKey is the counter shared by every replica.
const DefaultRedisKey = "gymcrm:ratelimit:login"

// incrWindow bumps the counter and starts the window on first use.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a fixed-window counter shared across processes. Redis failures
// deny the attempt.
type Redis struct {
	client redis.UniversalClient
	key    string
	cfg    Config
}

func NewRedis(client redis.UniversalClient, cfg Config, key string) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key = strings.TrimSpace(key); key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key, cfg: cfg}, nil
}

// Acquire counts the attempt in the current window. Timeout bounds the Redis
// round trip.
func (g *Redis) Acquire(ctx context.Context) bool {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	n, err := incrWindow.Run(ctx, g.client, []string{g.key}, g.cfg.Period.Milliseconds()).Int64()
	if err != nil {
		obs.Logger().WithError(err).WithField("key", g.key).Error("login gate unavailable")
		return false
	}
	return n <= int64(g.cfg.Limit)
}
