package locker

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

const shardCount = 256

// Local is an in-process locker backed by a fixed pool of channel mutexes.
// Keys hash onto shards; a collision only over-serializes, never under-locks.
// Used when no Redis URL is configured (single-instance deployments, tests).
type Local struct {
	shards [shardCount]chan struct{}
	wait   time.Duration
}

// NewLocal creates an in-process locker with the given acquisition wait budget.
func NewLocal(wait time.Duration) *Local {
	l := &Local{wait: wait}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{} // start unlocked
	}
	return l
}

// Acquire implements Locker. The channel receive doubles as the lock grab,
// so it can be raced against context cancellation in one select.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := clampWait(ctx, l.wait)
	defer cancel()

	shard := l.shards[shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrNotAcquired
		}
		return nil, waitCtx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

var _ Locker = (*Local)(nil)
