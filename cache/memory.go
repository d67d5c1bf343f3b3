package cache

import (
	"container/list"
	"sync"
)

type memEntry struct {
	key   string
	bytes []byte
}

type memTier struct {
	order   *list.List // of *memEntry, oldest at the front
	entries map[string]*list.Element
}

func newMemTier() *memTier {
	return &memTier{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// MemProvider keeps tiers in process memory.
type MemProvider struct {
	mu    sync.Mutex
	names []string
	tiers map[string]*memTier
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		tiers: make(map[string]*memTier),
	}
}

func (m *MemProvider) Open(name string) (Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(name)
	return memTierHandle{name: name, p: m}, nil
}

func (m *MemProvider) Handle(name string) Tier {
	return memTierHandle{name: name, p: m}
}

func (m *MemProvider) Names() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tiers))
	names = append(names, m.names...)
	return names, nil
}

func (m *MemProvider) Has(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tiers[name]
	return ok, nil
}

func (m *MemProvider) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[name]; !ok {
		return false, nil
	}
	delete(m.tiers, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemProvider) ensure(name string) *memTier {
	if t, ok := m.tiers[name]; ok {
		return t
	}
	t := newMemTier()
	m.tiers[name] = t
	m.names = append(m.names, name)
	return t
}

type memTierHandle struct {
	name string
	p    *MemProvider
}

func (h memTierHandle) Name() string {
	return h.name
}

func (h memTierHandle) Get(key string) ([]byte, bool, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	t, ok := h.p.tiers[h.name]
	if !ok {
		return nil, false, nil
	}
	el, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	return el.Value.(*memEntry).bytes, true, nil
}

func (h memTierHandle) Put(key string, bytes []byte) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	t := h.p.ensure(h.name)
	if el, ok := t.entries[key]; ok {
		t.order.Remove(el)
	}
	t.entries[key] = t.order.PushBack(&memEntry{key: key, bytes: bytes})
	return nil
}

func (h memTierHandle) Delete(key string) (bool, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	t, ok := h.p.tiers[h.name]
	if !ok {
		return false, nil
	}
	el, ok := t.entries[key]
	if !ok {
		return false, nil
	}
	t.order.Remove(el)
	delete(t.entries, key)
	return true, nil
}

func (h memTierHandle) Keys() ([]string, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	keys := make([]string, 0)
	t, ok := h.p.tiers[h.name]
	if !ok {
		return keys, nil
	}
	for el := t.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memEntry).key)
	}
	return keys, nil
}

func (h memTierHandle) Len() (int, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if t, ok := h.p.tiers[h.name]; ok {
		return t.order.Len(), nil
	}
	return 0, nil
}

func (h memTierHandle) Trim(max int) (int, error) {
	if max < 0 {
		max = 0
	}
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	t, ok := h.p.tiers[h.name]
	if !ok {
		return 0, nil
	}
	removed := 0
	for t.order.Len() > max {
		el := t.order.Front()
		t.order.Remove(el)
		delete(t.entries, el.Value.(*memEntry).key)
		removed++
	}
	return removed, nil
}
