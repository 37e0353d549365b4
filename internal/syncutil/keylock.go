// Package syncutil provides bounded per-key locking for in-process
// serialization of work on the same escrow or trade.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when NewKeyLock gets n <= 0.
const DefaultShards = 256

// KeyLock serializes callers by key over a fixed pool of shards. Keys that
// hash to the same shard also wait on each other; memory stays bounded no
// matter how many keys are seen.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock with n shards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until key is free or ctx is done. On success the caller must
// call unlock exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := l.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (l *KeyLock) TryLock(key string) (unlock func(), ok bool) {
	ch := l.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (l *KeyLock) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}
