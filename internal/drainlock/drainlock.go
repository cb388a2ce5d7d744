package drainlock

import (
	"context"
	"sync"
)

// Locker admits at most one drain pass per queue name at a time. A failed
// acquire means a pass is already running somewhere; the caller backs off
// instead of waiting (keep-existing-if-running).
type Locker interface {
	TryAcquire(ctx context.Context, queue string) (release func(), ok bool, err error)
}

// Local guards queues within a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) TryAcquire(_ context.Context, queue string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[queue] {
		return nil, false, nil
	}
	l.held[queue] = true
	release := func() {
		l.mu.Lock()
		delete(l.held, queue)
		l.mu.Unlock()
	}
	return release, true, nil
}
