package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager holds an ordered set of registered callbacks.
// Add returns a removal function that is safe to call multiple times.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID int
}

type callback[T any] struct {
	id int
	cb T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.cbs = slices.DeleteFunc(m.cbs, func(e callback[T]) bool { return e.id == id })
			m.mu.Unlock()
		})
	}
}

// Range calls fn for each registered callback in registration order.
func (m *CallbackManager[T]) Range(fn func(cb T)) {
	for cb := range m.All() {
		fn(cb)
	}
}

// All iterates over the registered callbacks in registration order.
// Callbacks are copied out under the lock, so a callback may safely
// remove itself or register new callbacks while iterating.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		cbs := make([]T, 0, len(m.cbs))
		for _, e := range m.cbs {
			cbs = append(cbs, e.cb)
		}
		m.mu.RUnlock()

		for _, cb := range cbs {
			if !yield(cb) {
				return
			}
		}
	}
}
