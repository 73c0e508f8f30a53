package registry

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex 按键加锁，不同键互不阻塞；无人持有的键会被回收
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{entries: make(map[K]*keyedEntry)}
}

// Lock 加锁并返回解锁函数
func (km *KeyedMutex[K]) Lock(k K) func() {
	km.mu.Lock()
	e, ok := km.entries[k]
	if !ok {
		e = &keyedEntry{}
		km.entries[k] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.entries, k)
		}
		km.mu.Unlock()
	}
}

// Len 当前活跃的键数
func (km *KeyedMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
