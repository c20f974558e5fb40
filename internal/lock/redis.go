package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards keys across processes with SET NX PX. A Local guard is taken
// first so goroutines of one process do not poll redis against each other.
type Redis struct {
	client *redis.Client
	local  *Local
	prefix string
	ttl    time.Duration
	poll   time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis guard. ttl bounds how long a crashed holder keeps a key.
func NewRedis(client *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *Redis {
	if wait <= 0 {
		wait = DefaultWait
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{
		client: client,
		local:  NewLocal(wait),
		prefix: "agroweather:lock:",
		ttl:    ttl,
		poll:   100 * time.Millisecond,
		wait:   wait,
		logger: logger,
	}
}

func (r *Redis) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return r.local.Do(ctx, key, func(ctx context.Context) error {
		token := uuid.NewString()
		k := r.prefix + key

		if err := r.acquire(ctx, k, token); err != nil {
			return err
		}
		defer r.release(k, token)

		return fn(ctx)
	})
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: redis set %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
