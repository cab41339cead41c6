package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

type balanceKey struct {
	account string
	token   string
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]*big.Int
	updated  map[balanceKey]time.Time
	entries  []*Entry
	nextID   int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*big.Int),
		updated:  make(map[balanceKey]time.Time),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Credit(_ context.Context, account, token string, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := balanceKey{account, token}
	next, ok := units.Add(m.get(k), amount)
	if !ok {
		return ErrBalanceOverflow
	}
	now := time.Now()
	m.balances[k] = next
	m.updated[k] = now
	m.appendEntry(account, token, KindCredit, amount, "", reference, now)
	return nil
}

func (m *MemoryStore) Transfer(_ context.Context, from, to, token string, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := balanceKey{from, token}
	dst := balanceKey{to, token}

	have := m.get(src)
	if have.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	credited, ok := units.Add(m.get(dst), amount)
	if !ok {
		return ErrBalanceOverflow
	}

	now := time.Now()
	m.balances[src] = new(big.Int).Sub(have, amount)
	m.balances[dst] = credited
	m.updated[src] = now
	m.updated[dst] = now
	m.appendEntry(from, token, KindDebit, amount, to, reference, now)
	m.appendEntry(to, token, KindCredit, amount, from, reference, now)
	return nil
}

func (m *MemoryStore) BalanceOf(_ context.Context, account, token string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.get(balanceKey{account, token})), nil
}

func (m *MemoryStore) ListBalances(_ context.Context, account string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Balance
	for k, v := range m.balances {
		if k.account != account {
			continue
		}
		result = append(result, &Balance{
			Account:   k.account,
			Token:     k.token,
			Amount:    v.String(),
			UpdatedAt: m.updated[k],
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Token < result[j].Token })
	return result, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// get must be called with mu held.
func (m *MemoryStore) get(k balanceKey) *big.Int {
	if v, ok := m.balances[k]; ok {
		return v
	}
	return new(big.Int)
}

func (m *MemoryStore) appendEntry(account, token, kind string, amount *big.Int, counterparty, reference string, at time.Time) {
	m.nextID++
	m.entries = append(m.entries, &Entry{
		ID:           m.nextID,
		Account:      account,
		Token:        token,
		Kind:         kind,
		Amount:       amount.String(),
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    at,
	})
}
