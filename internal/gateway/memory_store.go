package gateway

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// MemoryStore is an in-memory gateway profile store.
type MemoryStore struct {
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory gateway store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if existing, ok := m.profiles[cp.Address]; ok {
		if existing.UsedOn(cp.Day).Cmp(units.OrZero(cp.DailyLimit)) > 0 {
			return ErrLimitBelowUsage
		}
		cp.CreatedAt = existing.CreatedAt
		cp.DailyUsed = existing.DailyUsed
		cp.Day = existing.Day
	}
	m.profiles[cp.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, address string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) SetAllowed(_ context.Context, address string, allowed bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[address]
	if !ok {
		return ErrNotFound
	}
	p.Allowed = allowed
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ConsumeQuota(_ context.Context, address string, amount *big.Int, day int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[address]
	if !ok {
		return ErrNotFound
	}
	next := new(big.Int).Add(p.UsedOn(day), amount)
	if next.Cmp(units.OrZero(p.DailyLimit)) > 0 {
		return ErrQuotaExceeded
	}
	p.DailyUsed = next.String()
	p.Day = day
	return nil
}

func (m *MemoryStore) ReleaseQuota(_ context.Context, address string, amount *big.Int, day int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[address]
	if !ok {
		return ErrNotFound
	}
	if p.Day != day {
		return nil
	}
	next := new(big.Int).Sub(units.OrZero(p.DailyUsed), amount)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	p.DailyUsed = next.String()
	return nil
}

func (m *MemoryStore) ResetDaily(_ context.Context, day int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.profiles {
		if p.Day != day {
			p.Day = day
			p.DailyUsed = "0"
			n++
		}
	}
	return n, nil
}
