package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is an in-process Locker backed by a fixed pool of
// channel mutexes. Waiters give up when their context is cancelled. Keys
// that hash to the same shard share a lock, which only costs throughput.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

var _ Locker = (*ContextShardedMutex)(nil)

// NewContextShardedMutex returns a ready-to-use sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the shard for key.
func (m *ContextShardedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
