// Package observable provides a small state cell that notifies subscribers on every change.
package observable

import "sync"

// Cell holds a single value. Every Set notifies all subscribers with the new value,
// in subscription order, on the caller's goroutine.
type Cell[T any] struct {
	mu     sync.RWMutex
	value  T
	nextID int
	subs   []subscription[T]
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// Reader is the read-only view of a Cell handed to components that do not own it.
type Reader[T any] interface {
	Get() T
	Subscribe(fn func(T)) (unsubscribe func())
}

func New[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set stores v and notifies subscribers, even if v equals the previous value.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	subs := make([]subscription[T], len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Subscribe registers fn and returns a function removing it again.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription[T]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// ReadOnly returns the Cell behind its read-only interface.
func (c *Cell[T]) ReadOnly() Reader[T] {
	return c
}
