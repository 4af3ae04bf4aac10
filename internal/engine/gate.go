package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a unit lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for unit lock")

// Locker grants exclusive access to one key at a time. Lock blocks until the key
// is free or ctx is done; the returned func releases the key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is a process-local Locker. Per-key state only lives while someone
// holds or waits for the key, so idle units cost nothing.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires key
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len returns the number of keys currently held or waited on
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Gate serializes work per unit. Different units never contend.
type Gate struct {
	locker  Locker
	timeout time.Duration
}

// NewGate creates a Gate that waits at most timeout for a unit lock
func NewGate(locker Locker, timeout time.Duration) *Gate {
	return &Gate{locker: locker, timeout: timeout}
}

// WithUnitLock runs fn while holding the lock of unitID. Once the lock is held,
// fn runs on a context detached from the caller's cancellation so that a
// departed caller cannot interrupt a commit half way.
func (g *Gate) WithUnitLock(ctx context.Context, unitID string, fn func(ctx context.Context) error) error {
	lockCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	unlock, err := g.locker.Lock(lockCtx, unitID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrLockTimeout) {
			return ErrLockTimeout
		}
		return fmt.Errorf("failed to lock unit %s: %w", unitID, err)
	}
	defer unlock()

	return fn(context.WithoutCancel(ctx))
}
