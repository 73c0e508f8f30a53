package registry

// SetRegistry 键到成员集合的映射，如 房间 -> 连接
type SetRegistry[K comparable, M comparable] struct {
	r *Registry[K, map[M]struct{}]
}

func NewSet[K comparable, M comparable](shards int, hash Hasher[K]) *SetRegistry[K, M] {
	return &SetRegistry[K, M]{r: New[K, map[M]struct{}](shards, hash)}
}

// Add 加入成员，返回是否为新加入
func (s *SetRegistry[K, M]) Add(k K, m M) bool {
	added := false
	s.r.Update(k, func(set map[M]struct{}, ok bool) (map[M]struct{}, bool) {
		if !ok {
			set = make(map[M]struct{})
		}
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added = true
		}
		return set, true
	})
	return added
}

// AddWithSize 加入成员，同时返回加入后的集合大小
func (s *SetRegistry[K, M]) AddWithSize(k K, m M) (added bool, size int) {
	s.r.Update(k, func(set map[M]struct{}, ok bool) (map[M]struct{}, bool) {
		if !ok {
			set = make(map[M]struct{})
		}
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added = true
		}
		size = len(set)
		return set, true
	})
	return added, size
}

// Remove 移除成员，返回是否移除以及集合是否因此变空
func (s *SetRegistry[K, M]) Remove(k K, m M) (removed, emptied bool) {
	s.r.Update(k, func(set map[M]struct{}, ok bool) (map[M]struct{}, bool) {
		if !ok {
			return nil, false
		}
		if _, exists := set[m]; exists {
			delete(set, m)
			removed = true
		}
		if len(set) == 0 {
			emptied = removed
			return nil, false
		}
		return set, true
	})
	return removed, emptied
}

// Has 是否包含成员
func (s *SetRegistry[K, M]) Has(k K, m M) bool {
	sh := s.r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.items[k][m]
	return ok
}

// Members 成员快照
func (s *SetRegistry[K, M]) Members(k K) []M {
	sh := s.r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.items[k]
	out := make([]M, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// Count 成员数
func (s *SetRegistry[K, M]) Count(k K) int {
	sh := s.r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.items[k])
}

// Keys 所有非空键
func (s *SetRegistry[K, M]) Keys() []K {
	var keys []K
	s.r.Range(func(k K, _ map[M]struct{}) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
