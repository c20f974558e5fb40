package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), "k", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size())
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal(time.Second)
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = l.Do(context.Background(), "a", func(ctx context.Context) error {
			<-release
			return nil
		})
		close(done)
	}()

	err := l.Do(context.Background(), "b", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	close(release)
	<-done
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal(20 * time.Millisecond)
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.Do(context.Background(), "k", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := l.Do(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrTimeout))
	close(release)
}

func TestLocalPropagatesFnError(t *testing.T) {
	l := NewLocal(0)
	boom := errors.New("boom")
	assert.ErrorIs(t, l.Do(context.Background(), "k", func(ctx context.Context) error { return boom }), boom)
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	g := NewRedis(client, time.Second, time.Second, zap.NewNop())
	var calls int32
	err := g.Do(context.Background(), "test-key", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		exists, err := client.Exists(ctx, "agroweather:lock:test-key").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	exists, err := client.Exists(context.Background(), "agroweather:lock:test-key").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
