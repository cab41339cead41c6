package paymaster

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// MemoryStore keeps all paymaster state in process. Every mutation runs in
// one critical section, which gives the same all-or-nothing behaviour as a
// database transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[string]string // user -> session ID
	tank     *Tank
	metrics  Metrics
	users    map[string]*UserMetrics
	events   []*Event
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
		users:    make(map[string]*UserMetrics),
		metrics:  Metrics{Revenue: "0", TotalGas: "0", TotalValue: "0"},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) EnsureTank(_ context.Context, initial *Tank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tank == nil {
		cp := *initial
		m.tank = &cp
	}
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[s.User]; ok {
		return ErrSessionAlreadyActive
	}
	cp := *s
	m.sessions[cp.ID] = &cp
	m.active[cp.User] = cp.ID
	m.appendEvents(events)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetActiveSession(_ context.Context, user string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[user]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(m.sessions[id]), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, user string, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Session
	for _, s := range m.sessions {
		if user != "" && s.User != user {
			continue
		}
		if o.cursor != nil && !olderThan(s, o.cursor.CreatedAt, o.cursor.ID) {
			continue
		}
		result = append(result, copySession(s))
	}
	sort.Slice(result, func(i, j int) bool {
		return olderThan(result[j], result[i].StartedAt, result[i].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether s sorts after (startedAt, id) in newest-first order.
func olderThan(s *Session, startedAt time.Time, id string) bool {
	if !s.StartedAt.Equal(startedAt) {
		return s.StartedAt.Before(startedAt)
	}
	return s.ID < id
}

func (m *MemoryStore) RecordGas(_ context.Context, id string, amount *big.Int, day int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active {
		return nil, ErrSessionNotActive
	}
	if m.tank == nil {
		return nil, ErrDailyLimitExceeded
	}

	gas, ok := units.Add(units.OrZero(s.GasUsed), amount)
	if !ok || gas.Cmp(units.OrZero(m.tank.MaxGasPerSession)) > 0 {
		return nil, ErrGasExceedsSessionLimit
	}
	daily, ok := units.Add(m.tank.UsedOn(day), amount)
	if !ok || daily.Cmp(units.OrZero(m.tank.DailyLimit)) > 0 {
		return nil, ErrDailyLimitExceeded
	}

	s.GasUsed = gas.String()
	m.tank.Day = day
	m.tank.DailyUsed = daily.String()
	return copySession(s), nil
}

func (m *MemoryStore) SettleSession(_ context.Context, id string, p SettleParams) (*Settled, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active {
		return nil, ErrSessionNotActive
	}
	if m.tank == nil {
		return nil, ErrInsufficientLGUBalance
	}
	out, err := price(s, p)
	if err != nil {
		return nil, err
	}

	gas := out.GasUsed
	balance := new(big.Int).Sub(units.OrZero(m.tank.Balance), gas)
	if balance.Sign() < 0 || balance.Cmp(units.OrZero(m.tank.MinReserve)) < 0 {
		return nil, ErrInsufficientLGUBalance
	}

	revenue, ok1 := units.Add(units.OrZero(m.metrics.Revenue), out.Fee)
	totalGas, ok2 := units.Add(units.OrZero(m.metrics.TotalGas), gas)
	totalValue, ok3 := units.Add(units.OrZero(m.metrics.TotalValue), units.OrZero(s.SessionValue))
	um := m.users[s.User]
	if um == nil {
		um = &UserMetrics{User: s.User, TotalLGUUsed: "0"}
	}
	userGas, ok4 := units.Add(units.OrZero(um.TotalLGUUsed), gas)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, ErrAmountOverflow
	}

	// Validation is complete; apply every effect.
	m.tank.Roll(p.Day)
	m.tank.Balance = balance.String()
	m.tank.UpdatedAt = p.EndedAt

	endedAt := p.EndedAt
	s.Active = false
	s.EndedAt = &endedAt
	s.Fee = out.Fee.String()
	delete(m.active, s.User)

	m.metrics.Revenue = revenue.String()
	m.metrics.TotalGas = totalGas.String()
	m.metrics.TotalValue = totalValue.String()
	m.metrics.SessionCount++

	um.TotalLGUUsed = userGas.String()
	um.SessionCount++
	m.users[s.User] = um

	m.appendEvents(out.Events)
	tank := *m.tank
	out.Session = copySession(s)
	out.Tank = &tank
	return out, nil
}

func (m *MemoryStore) GetTank(_ context.Context, day int64) (*Tank, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tank == nil {
		return nil, ErrTankMissing
	}
	t := *m.tank
	t.Roll(day)
	return &t, nil
}

func (m *MemoryStore) SetTankParams(_ context.Context, minReserve, dailyLimit, maxGas *big.Int, at time.Time) (*Tank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tank == nil {
		return nil, ErrTankMissing
	}
	m.tank.MinReserve = minReserve.String()
	m.tank.DailyLimit = dailyLimit.String()
	m.tank.MaxGasPerSession = maxGas.String()
	m.tank.UpdatedAt = at
	t := *m.tank
	return &t, nil
}

func (m *MemoryStore) SetMode(_ context.Context, mode Mode, at time.Time) (*Tank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tank == nil {
		return nil, ErrTankMissing
	}
	m.tank.Mode = mode
	m.tank.UpdatedAt = at
	t := *m.tank
	return &t, nil
}

func (m *MemoryStore) TopUp(_ context.Context, amount *big.Int, at time.Time) (*Tank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tank == nil {
		return nil, ErrTankMissing
	}
	balance, ok := units.Add(units.OrZero(m.tank.Balance), amount)
	if !ok {
		return nil, ErrAmountOverflow
	}
	m.tank.Balance = balance.String()
	m.tank.UpdatedAt = at
	t := *m.tank
	return &t, nil
}

func (m *MemoryStore) RollDay(_ context.Context, day int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tank == nil {
		return false, ErrTankMissing
	}
	return m.tank.Roll(day), nil
}

func (m *MemoryStore) GetMetrics(_ context.Context) (*Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.metrics
	return &cp, nil
}

func (m *MemoryStore) GetUserMetrics(_ context.Context, user string) (*UserMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	um, ok := m.users[user]
	if !ok {
		return &UserMetrics{User: user, TotalLGUUsed: "0"}, nil
	}
	cp := *um
	return &cp, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, afterID int64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// IDs are 1-based and dense, so afterID is also the slice offset.
	start := int(afterID)
	if start < 0 {
		start = 0
	}
	if start >= len(m.events) {
		return []*Event{}, nil
	}
	end := len(m.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	result := make([]*Event, 0, end-start)
	for _, ev := range m.events[start:end] {
		result = append(result, copyEvent(ev))
	}
	return result, nil
}

// appendEvents assigns IDs in place so the caller can publish them.
func (m *MemoryStore) appendEvents(events []*Event) {
	for _, ev := range events {
		m.nextID++
		ev.ID = m.nextID
		m.events = append(m.events, copyEvent(ev))
	}
}

func copySession(s *Session) *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	cp.Payload = make(map[string]string, len(ev.Payload))
	for k, v := range ev.Payload {
		cp.Payload[k] = v
	}
	return &cp
}
