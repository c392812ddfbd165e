package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// Ledger is a process-local apply ledger. Locks are reference counted so the
// lock table does not grow with the key space.
type Ledger struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	applied map[string]domain.AppliedVersion
}

func NewLedger() *Ledger {
	return &Ledger{
		locks:   make(map[string]*keyLock),
		applied: make(map[string]domain.AppliedVersion),
	}
}

func (l *Ledger) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.sem
				l.release(key, lock)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}
}

func (l *Ledger) release(key string, lock *keyLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func (l *Ledger) Get(_ context.Context, key string) (domain.AppliedVersion, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.applied[key]
	return v, ok, nil
}

func (l *Ledger) Put(_ context.Context, key string, applied domain.AppliedVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[key] = applied
	return nil
}
