package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	return l.take(key), true, nil
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			rel := l.take(key)
			l.mu.Unlock()
			return rel, nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take must be called with l.mu held.
func (l *MemoryLocker) take(key string) Release {
	ch := make(chan struct{})
	l.held[key] = ch
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == ch {
				delete(l.held, key)
			}
			l.mu.Unlock()
			close(ch)
		})
		return nil
	}
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
