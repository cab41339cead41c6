package tokens

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory token registry store.
type MemoryStore struct {
	tokens map[string]*Token
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	if existing, ok := m.tokens[cp.Address]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.tokens[cp.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, address string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[address]
	if !ok {
		return nil, ErrUnsupportedToken
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[address]; !ok {
		return ErrUnsupportedToken
	}
	delete(m.tokens, address)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}
