// Package syncutil provides keyed locking for the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiters give up when their context is done. Memory stays bounded
// no matter how many keys are seen; keys that share a shard serialise.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// LockContext acquires the mutex for key. On success the caller MUST call
// the returned unlock function. On cancellation it returns the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	return m.lockShard(ctx, m.shardIdx(key))
}

// LockKeys acquires the mutexes for all keys. Shards are taken in ascending
// order so two callers with overlapping key sets cannot deadlock. If the
// context ends midway, every shard already taken is released.
func (m *ContextShardedMutex) LockKeys(ctx context.Context, keys []string) (func(), error) {
	m.init()

	seen := make(map[uint32]bool, len(keys))
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		i := m.shardIdx(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	unlocks := make([]func(), 0, len(idx))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, i := range idx {
		unlock, err := m.lockShard(ctx, i)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (m *ContextShardedMutex) lockShard(ctx context.Context, i uint32) (func(), error) {
	shard := &m.shards[i]
	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
