// Package registry 提供分片并发的键值注册表。
// 单键操作原子，不提供跨键事务。
package registry

import (
	"hash/maphash"
	"sync"
)

const DefaultShards = 32

// Hasher 键哈希函数
type Hasher[K comparable] func(K) uint64

// Int64Hasher int64 键哈希
func Int64Hasher(k int64) uint64 {
	// splitmix64 末轮，打散连续 ID
	x := uint64(k)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

var seed = maphash.MakeSeed()

// StringHasher string 键哈希
func StringHasher(k string) uint64 {
	return maphash.String(seed, k)
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// Registry 分片 map
type Registry[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   Hasher[K]
}

// New 创建注册表，shards <= 0 时使用 DefaultShards
func New[K comparable, V any](shards int, hash Hasher[K]) *Registry[K, V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry[K, V]{
		shards: make([]*shard[K, V], shards),
		hash:   hash,
	}
	for i := range r.shards {
		r.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return r
}

func (r *Registry[K, V]) shardFor(k K) *shard[K, V] {
	return r.shards[r.hash(k)%uint64(len(r.shards))]
}

// Get 读取
func (r *Registry[K, V]) Get(k K) (V, bool) {
	s := r.shardFor(k)
	s.mu.RLock()
	v, ok := s.items[k]
	s.mu.RUnlock()
	return v, ok
}

// Set 写入
func (r *Registry[K, V]) Set(k K, v V) {
	s := r.shardFor(k)
	s.mu.Lock()
	s.items[k] = v
	s.mu.Unlock()
}

// SetIfAbsent 键不存在时写入，返回最终值和是否写入
func (r *Registry[K, V]) SetIfAbsent(k K, v V) (V, bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[k]; ok {
		return old, false
	}
	s.items[k] = v
	return v, true
}

// Delete 删除，返回被删除的值
func (r *Registry[K, V]) Delete(k K) (V, bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	v, ok := s.items[k]
	if ok {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return v, ok
}

// Update 在分片锁内读改写。fn 返回 keep=false 时删除该键。
// fn 内不得再访问同一注册表。
func (r *Registry[K, V]) Update(k K, fn func(v V, ok bool) (V, bool)) (V, bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[k]
	v, keep := fn(old, ok)
	if keep {
		s.items[k] = v
	} else if ok {
		delete(s.items, k)
	}
	return v, keep
}

// Range 遍历快照，fn 返回 false 停止
func (r *Registry[K, V]) Range(fn func(k K, v V) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		keys := make([]K, 0, len(s.items))
		vals := make([]V, 0, len(s.items))
		for k, v := range s.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}

// Len 元素总数
func (r *Registry[K, V]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
