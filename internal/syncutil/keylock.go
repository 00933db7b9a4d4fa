// Package syncutil provides a context-aware keyed lock used to serialize
// read-then-act sequences for a single subject (e.g. counting a device's
// recent attempts before deciding to blacklist it).
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded regardless of how many keys are seen; unrelated
// keys occasionally share a shard.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockShards(DefaultShards)
}

// NewKeyLockShards creates a KeyLock with n shards (n < 1 means 1).
func NewKeyLockShards(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// On success the returned func must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
