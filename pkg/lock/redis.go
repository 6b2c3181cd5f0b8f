package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the part of the go-redis client the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisConfig tunes the distributed lock.
type RedisConfig struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisLocker is a Locker shared by every API instance pointing at the same Redis.
type RedisLocker struct {
	client RedisClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client RedisClient, cfg RedisConfig, logger *zap.Logger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

// Lock implements Locker using SET NX PX with a random token.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if acquired {
			break
		}
		timer := time.NewTimer(l.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

func (l *RedisLocker) release(redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warn("failed to release lock", zap.String("key", redisKey), zap.Error(err))
	}
}
