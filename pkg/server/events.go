package server

import (
	"sync"
)

// Emitter is a minimal publish/subscribe primitive. Listen returns an
// unsubscribe handle whose invocation is idempotent; listeners are
// invoked in subscription order.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextKey   int
	listeners []emitterEntry[T]
}

type emitterEntry[T any] struct {
	key int
	fn  func(T)
}

// Listen subscribes fn and returns its unsubscribe handle.
func (e *Emitter[T]) Listen(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	key := e.nextKey
	e.nextKey++
	e.listeners = append(e.listeners, emitterEntry[T]{key: key, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, entry := range e.listeners {
				if entry.key == key {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit invokes every current listener with v.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]emitterEntry[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()
	for _, entry := range snapshot {
		entry.fn(v)
	}
}
