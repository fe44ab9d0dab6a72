package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是进程内的会话存储。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byJob    map[string]string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), byJob: make(map[string]string)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrConflict
	}
	m.sessions[s.ID] = s.Clone()
	m.index(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	m.index(s)
	return nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, s *Session, expect State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State != expect {
		return ErrStale
	}
	m.sessions[s.ID] = s.Clone()
	m.index(s)
	return nil
}

func (m *MemoryStore) FindByJob(_ context.Context, jobID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byJob[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.State == StateAwaitingPayment && s.Requirement.Expired(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt().Before(out[j].ExpiresAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, s := range m.sessions {
		if s.State.Terminal() && s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			if s.JobID != "" {
				delete(m.byJob, s.JobID)
			}
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) index(s *Session) {
	if s.JobID != "" {
		m.byJob[s.JobID] = s.ID
	}
}

var _ Store = (*MemoryStore)(nil)
