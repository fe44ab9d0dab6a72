package report

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 在进程内保存报告。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Artifact
}

// NewMemoryStore 创建内存实现。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Artifact)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, a Artifact) error {
	if err := validKey(a.Key); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Body = append([]byte(nil), a.Body...)
	m.mu.Lock()
	m.items[a.Key] = a
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[key]
	if !ok {
		return Artifact{}, ErrNotFound(key)
	}
	a.Body = append([]byte(nil), a.Body...)
	return a, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}
