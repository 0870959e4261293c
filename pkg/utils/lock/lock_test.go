package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]DistributedLock {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]DistributedLock{
		"redis": NewRedisLock(rdb),
		"local": NewLocalLock(),
	}
}

func TestLock_AcquireRelease(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			token, ok, err := l.Acquire(ctx, "withdraw:1:BTC", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = l.Acquire(ctx, "withdraw:1:BTC", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while held")

			// 错误 token 不能释放他人的锁
			require.NoError(t, l.Release(ctx, "withdraw:1:BTC", "not-mine"))
			_, ok, _ = l.Acquire(ctx, "withdraw:1:BTC", time.Minute)
			assert.False(t, ok)

			require.NoError(t, l.Release(ctx, "withdraw:1:BTC", token))
			_, ok, err = l.Acquire(ctx, "withdraw:1:BTC", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestObtain_Serializes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					token, err := Obtain(ctx, l, "alloc:user:7", time.Minute, 5*time.Millisecond)
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					_ = l.Release(ctx, "alloc:user:7", token)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestObtain_ContextDeadline(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()
	_, ok, _ := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := Obtain(ctx, l, "k", time.Minute, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)
}
