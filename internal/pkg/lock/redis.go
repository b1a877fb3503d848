package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes KEYS[1] only when it still holds ARGV[1].
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisBackend stores locks in Redis.
type RedisBackend struct {
	client redis.Cmdable
}

func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, ttl).Result()
}

func (b *RedisBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := b.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// New builds a Manager on rdb. A nil rdb falls back to process-local locks,
// which only exclude goroutines of one process, and is refused unless
// allowLocal is set.
func New(rdb *redis.Client, cfg Config, allowLocal bool) (*Manager, error) {
	if rdb != nil {
		return NewManager(NewRedisBackend(rdb), cfg), nil
	}
	if !allowLocal {
		return nil, ErrSharedStoreRequired
	}

	log.Warn().Msg("Redis not configured, account locks are process-local; do not run more than one instance")
	return NewManager(NewMemoryBackend(), cfg), nil
}
