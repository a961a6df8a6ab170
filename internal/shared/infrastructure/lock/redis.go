package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const releaseTimeout = 2 * time.Second

// RedisLocker implements Locker with SET NX PX, shared by every replica
// pointing at the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisLocker creates a locker. Keys are stored under "lock:<key>".
func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: "lock:", logger: logger}
}

// TryAcquire sets the key if absent.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled at shutdown
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}
	return release, true, nil
}
