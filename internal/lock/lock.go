package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired indicates another holder currently owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key across handlers and processes. It is a
// best-effort guard: the ledger's (withdrawal, effect) uniqueness remains the
// final backstop if a lock expires mid-operation.
type Locker interface {
	// Acquire takes the lock or returns ErrNotAcquired. The returned release
	// function is safe to call once and only releases the caller's own hold.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an in-process locker for tests and dev mode.
func NewMemory() Locker {
	return &memoryLocker{held: make(map[string]struct{})}
}

func (l *memoryLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}
