package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value    []byte
	captured time.Time
}

type namespace struct {
	gen     uint64
	entries map[string]entry
}

// Memory is an in-process Cache guarded by a single RWMutex. Expired entries
// are evicted on read and by a background sweep.
type Memory struct {
	mu     sync.RWMutex
	spaces map[string]*namespace
	ttl    time.Duration
	now    func() time.Time
	closed bool

	stop chan struct{}
	done chan struct{}
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithSweep runs a janitor that drops expired entries every interval.
func WithSweep(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		if interval > 0 {
			m.stop = make(chan struct{})
			m.done = make(chan struct{})
			go m.sweepLoop(interval)
		}
	}
}

func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		spaces: make(map[string]*namespace),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, ns, key string) ([]byte, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, 0, false, ErrClosed
	}
	space := m.spaces[ns]
	if space == nil {
		m.mu.RUnlock()
		return nil, 0, false, nil
	}
	gen := space.gen
	e, ok := space.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, gen, false, nil
	}
	if m.now().Sub(e.captured) >= m.ttl {
		m.evict(ns, key, gen)
		return nil, gen, false, nil
	}
	return e.value, gen, true, nil
}

func (m *Memory) evict(ns, key string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	space := m.spaces[ns]
	if space == nil || space.gen != gen {
		return
	}
	if e, ok := space.entries[key]; ok && m.now().Sub(e.captured) >= m.ttl {
		delete(space.entries, key)
	}
}

func (m *Memory) Set(ctx context.Context, ns, key string, gen uint64, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	space := m.space(ns)
	if space.gen != gen {
		// invalidated while the caller was reading the store
		return nil
	}
	space.entries[key] = entry{value: value, captured: m.now()}
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	space := m.space(ns)
	space.gen++
	space.entries = make(map[string]entry)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, space := range m.spaces {
		space.gen++
		space.entries = make(map[string]entry)
	}
	return nil
}

// Len counts live entries in a namespace.
func (m *Memory) Len(ns string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if space := m.spaces[ns]; space != nil {
		return len(space.entries)
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.spaces = make(map[string]*namespace)
	m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	return nil
}

func (m *Memory) space(ns string) *namespace {
	space := m.spaces[ns]
	if space == nil {
		space = &namespace{entries: make(map[string]entry)}
		m.spaces[ns] = space
	}
	return space
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, space := range m.spaces {
		for key, e := range space.entries {
			if now.Sub(e.captured) >= m.ttl {
				delete(space.entries, key)
			}
		}
	}
}
