// Package keymutex serializes work per key, so operations on the same note id
// never overlap while different ids proceed in parallel.
package keymutex

import (
	"context"
	"sync"
)

type slot struct {
	sem  chan struct{}
	refs int
}

type Mutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func New() *Mutex {
	return &Mutex{slots: map[string]*slot{}}
}

func (m *Mutex) acquire(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots == nil {
		m.slots = map[string]*slot{}
	}
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Mutex) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Lock blocks until key is free or ctx ends. The returned func unlocks; it is
// safe to call more than once.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquire(key)
	select {
	case s.sem <- struct{}{}:
		return m.unlocker(key, s), nil
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}
}

func (m *Mutex) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			m.release(key, s)
		})
	}
}

// Len reports how many keys are held or awaited.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
