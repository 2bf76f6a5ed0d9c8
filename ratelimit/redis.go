package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "relayer:ratelimit:"

// KEYS[1] window zset; ARGV now ms, window ms, max, member.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`

// RedisStore shares windows between relayer replicas. Each window is a
// sorted set scored by request time in milliseconds and expires on its own,
// so Sweep has nothing to do.
type RedisStore struct {
	cfg    Config
	client redis.UniversalClient
	prefix string
	script *redis.Script
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client redis.UniversalClient, cfg Config, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		cfg:    cfg.withDefaults(),
		client: client,
		prefix: DefaultKeyPrefix,
		script: redis.NewScript(slidingWindowScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL parses a redis:// or rediss:// URL and pings the
// server before returning.
func NewRedisStoreFromURL(ctx context.Context, url string, cfg Config, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	return NewRedisStore(client, cfg, opts...), nil
}

func (s *RedisStore) Allow(ctx context.Context, identity string, now time.Time) (bool, error) {
	res, err := s.script.Run(ctx, s.client, []string{s.prefix + identity},
		now.UnixMilli(), s.cfg.Window.Milliseconds(), s.cfg.MaxRequests, uuid.NewString()).Int()
	if err != nil {
		return false, errors.Wrap(err, "redis script failed")
	}
	return res == 1, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
