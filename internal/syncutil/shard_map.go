// Package syncutil provides concurrency helpers used by the transaction
// and dialog tables.
package syncutil

import (
	"fmt"
	"hash/fnv"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
type ShardMap[K comparable, V any] struct {
	shards     []*shard[K, V]
	shardCount uint32
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// defShardsNum is the default number of shards.
const defShardsNum = 32

// NewShardMap creates a new [ShardMap] with the given number of shards,
// or the default (32) when n is 0.
func NewShardMap[K comparable, V any](n uint) *ShardMap[K, V] {
	if n == 0 {
		n = defShardsNum
	}

	shards := make([]*shard[K, V], n)
	for i := range shards {
		shards[i] = &shard[K, V]{
			items: make(map[K]V),
		}
	}

	return &ShardMap[K, V]{
		shards:     shards,
		shardCount: uint32(n),
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	hash := fnv.New32a()
	fmt.Fprint(hash, key)
	return m.shards[hash.Sum32()%m.shardCount]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	sh := m.getShard(key)
	sh.Lock()
	sh.items[key] = value
	sh.Unlock()
}

// SetIfAbsent stores the value only when the key has no live entry.
// It returns the stored value and true when the insert happened, or the
// existing value and false otherwise.
func (m *ShardMap[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	sh := m.getShard(key)
	sh.Lock()
	defer sh.Unlock()
	if cur, ok := sh.items[key]; ok {
		return cur, false
	}
	sh.items[key] = value
	return value, true
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	sh := m.getShard(key)
	sh.RLock()
	defer sh.RUnlock()
	val, ok := sh.items[key]
	return val, ok
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	sh := m.getShard(key)
	sh.Lock()
	val, ok := sh.items[key]
	if ok {
		delete(sh.items, key)
	}
	sh.Unlock()
	return val, ok
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	sh := m.getShard(key)
	sh.RLock()
	_, ok := sh.items[key]
	sh.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, sh := range m.shards {
		sh.RLock()
		size += len(sh.items)
		sh.RUnlock()
	}
	return size
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, sh := range m.shards {
		sh.Lock()
		clear(sh.items)
		sh.Unlock()
	}
}

// Items returns an iterator over all items in the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, sh := range m.shards {
			sh.RLock()
			items := maps.Clone(sh.items)
			sh.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
