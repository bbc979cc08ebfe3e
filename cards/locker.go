package cards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Locker grants exclusive access to a set of card ids. Keys are deduplicated
// and taken in ascending order; the whole acquisition is bounded by the
// implementation's wait. Any error other than a cancelled context means the
// keys are held elsewhere.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

var ErrLockTimeout = errors.New("lock wait exceeded")

// KeyedLocker is the in-process Locker: one semaphore per key, created on
// first use and dropped when nobody holds or waits for it.
type KeyedLocker struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	return &KeyedLocker{wait: wait, locks: make(map[string]*keyLock)}
}

func (l *KeyedLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = orderedKeys(keys)

	lockCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(lockCtx, k); err != nil {
			l.release(held)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock %s: %w", k, ErrLockTimeout)
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *KeyedLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, kl)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *KeyedLocker) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		kl := l.locks[keys[i]]
		<-kl.ch
		l.unref(keys[i], kl)
	}
}

// unref must be called with l.mu held.
func (l *KeyedLocker) unref(key string, kl *keyLock) {
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func orderedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
