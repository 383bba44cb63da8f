// Package store persists research state snapshots.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mikeboe/research-director/pkg/research"
)

// MemoryStore keeps snapshots in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*research.State
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*research.State)}
}

var _ research.StateStore = (*MemoryStore)(nil)

// Save stores a copy of state
func (m *MemoryStore) Save(ctx context.Context, state *research.State) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("store: state has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state.Clone()
	return nil
}

// Load returns a copy of the snapshot for id
func (m *MemoryStore) Load(ctx context.Context, id string) (*research.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", research.ErrNotFound, id)
	}
	return s.Clone(), nil
}

// List returns every snapshot, newest first
func (m *MemoryStore) List(ctx context.Context) ([]*research.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*research.State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
