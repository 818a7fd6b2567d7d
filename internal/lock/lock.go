// Package lock は商品ごとのチェックアウト作成を直列化するロックを提供する。
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired はロックが他の所有者に保持されていることを表す。
var ErrNotAcquired = errors.New("lock is held by another owner")

// Locker はキー単位の排他ロック。
// 取得したロックはttl経過で自動的に失効する。
type Locker interface {
	// Acquire はロックを取得し、解放関数を返す。
	// 既に保持されている場合はErrNotAcquiredを返す。
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker はプロセス内のロック。Redisが未設定の場合に使う。
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker はMemoryLockerを生成する。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Acquire はロックを取得する。
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrNotAcquired
	}
	token := uuid.New().String()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// 失効後に他者が取得したロックは解放しない
		if e, ok := l.entries[key]; ok && e.token == token {
			delete(l.entries, key)
		}
	}, nil
}

// compile-time interface check
var _ Locker = (*MemoryLocker)(nil)
