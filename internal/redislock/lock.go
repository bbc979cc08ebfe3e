// Package redislock implements card locks on Redis with the RedLock algorithm
// so several service instances can share one lock space.
package redislock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const (
	keyPrefix  = "lock:card:"
	retryDelay = 25 * time.Millisecond
)

type Options struct {
	// Wait bounds the whole acquisition of all keys.
	Wait time.Duration
	// TTL is how long a key is held before Redis expires it.
	TTL time.Duration
}

type Locker struct {
	rs     *redsync.Redsync
	opts   Options
	logger *slog.Logger
}

func New(client goredislib.UniversalClient, opts Options, logger *slog.Logger) *Locker {
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

// Lock takes every key in ascending order. On failure the keys taken so far
// are released and the error is returned.
func (l *Locker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = ordered(keys)

	lockCtx, cancel := context.WithTimeout(ctx, l.opts.Wait)
	defer cancel()

	tries := int(l.opts.Wait/retryDelay) + 1
	held := make([]*redsync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := l.rs.NewMutex(keyPrefix+k,
			redsync.WithExpiry(l.opts.TTL),
			redsync.WithTries(tries),
			redsync.WithRetryDelay(retryDelay),
		)
		if err := m.LockContext(lockCtx); err != nil {
			l.release(held)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock card %s: %w", k, err)
		}
		held = append(held, m)
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *Locker) release(held []*redsync.Mutex) {
	for i := len(held) - 1; i >= 0; i-- {
		ok, err := held[i].UnlockContext(context.Background())
		if err != nil || !ok {
			l.logger.Warn("releasing card lock", slog.String("key", held[i].Name()), slog.Bool("ok", ok), slog.Any("err", err))
		}
	}
}

func ordered(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
