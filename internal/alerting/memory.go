package alerting

import (
	"context"
	"strings"
	"sync"
)

// MemoryLatches keeps latches in process memory. Used when Redis is not
// configured; a restart re-arms everything.
type MemoryLatches struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryLatches() *MemoryLatches {
	return &MemoryLatches{keys: make(map[string]struct{})}
}

func (m *MemoryLatches) AlreadySent(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok
}

func (m *MemoryLatches) Record(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}

func (m *MemoryLatches) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *MemoryLatches) ClearByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.keys {
		if strings.HasPrefix(k, prefix) {
			delete(m.keys, k)
		}
	}
	return nil
}

var _ Latches = (*MemoryLatches)(nil)
