package oplock

import (
	"context"
	"sync"
	"time"
)

// Locker is a short-lived "operation in progress" marker keyed by
// operation+entity. It guards external side effects (settlement calls) and
// lets two reaper instances never double-process the same trip. Locks are
// never released explicitly; they expire.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryLocker is the single-process implementation.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	// opportunistic cleanup of expired entries
	if len(l.held) > 1024 {
		for k, exp := range l.held {
			if now.After(exp) {
				delete(l.held, k)
			}
		}
	}
	return true, nil
}
