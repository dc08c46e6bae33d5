package wallet

import (
	"context"
	"sync"

	xerrors "NexusAgent/internal/errors"
)

// Locker serialises transfers of one wallet from validation until the spend
// is recorded. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

// LocalLocker is an in-process Locker with one slot per key.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeLockUnavailable, ctx.Err(), "获取钱包锁超时")
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-slot })
		return nil
	}, nil
}

var _ Locker = (*LocalLocker)(nil)
