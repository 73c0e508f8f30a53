package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Basic(t *testing.T) {
	r := New[int64, string](4, Int64Hasher)

	r.Set(1, "a")
	v, ok := r.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	got, stored := r.SetIfAbsent(1, "b")
	assert.False(t, stored)
	assert.Equal(t, "a", got)

	_, ok = r.Delete(1)
	assert.True(t, ok)
	_, ok = r.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UpdateAtomic(t *testing.T) {
	r := New[string, int](8, StringHasher)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Update("counter", func(v int, _ bool) (int, bool) { return v + 1, true })
			}
		}()
	}
	wg.Wait()

	v, _ := r.Get("counter")
	assert.Equal(t, 5000, v)

	r.Update("counter", func(int, bool) (int, bool) { return 0, false })
	assert.Equal(t, 0, r.Len())
}

func TestSetRegistry(t *testing.T) {
	s := NewSet[int64, int64](4, Int64Hasher)

	assert.True(t, s.Add(10, 1))
	assert.False(t, s.Add(10, 1), "add is idempotent")
	assert.True(t, s.Add(10, 2))
	assert.ElementsMatch(t, []int64{1, 2}, s.Members(10))
	assert.True(t, s.Has(10, 2))

	removed, emptied := s.Remove(10, 1)
	assert.True(t, removed)
	assert.False(t, emptied)

	removed, _ = s.Remove(10, 99)
	assert.False(t, removed)

	removed, emptied = s.Remove(10, 2)
	assert.True(t, removed)
	assert.True(t, emptied)
	assert.Empty(t, s.Keys())
	assert.Equal(t, 0, s.Count(10))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex[int64]()

	var (
		wg      sync.WaitGroup
		counter int
		order   []int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := km.Lock(42)
			counter++
			order = append(order, i)
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Len(t, order, 100)
	assert.Equal(t, 0, km.Len(), "idle keys are released")
}
