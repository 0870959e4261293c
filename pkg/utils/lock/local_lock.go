package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// LocalLock 单进程锁, 用于开发环境与测试
// go-cache 的 Add 在 key 不存在 (或已过期) 时才写入, 语义等同 SETNX
type LocalLock struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewLocalLock() *LocalLock {
	return &LocalLock{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (l *LocalLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if err := l.c.Add(key, token, ttl); err != nil {
		return "", false, nil
	}
	return token, true, nil
}

func (l *LocalLock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.c.Get(key); ok && v.(string) == token {
		l.c.Delete(key)
	}
	return nil
}
