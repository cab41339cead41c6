// Package ledger is the custody ledger: per-account, per-token balances in
// smallest units with atomic all-or-nothing transfers.
//
// The paymaster pulls session payments through Transfer, and subscription
// purchases are charged the same way. Every movement leaves an immutable
// entry pair (debit + credit) referencing the operation that caused it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrBalanceOverflow     = errors.New("ledger: balance would exceed 2^256-1")
	ErrSameAccount         = errors.New("ledger: source and destination are the same account")
)

// Entry kinds.
const (
	KindCredit = "credit"
	KindDebit  = "debit"
)

// Balance is an account's holding of one token.
type Balance struct {
	Account   string    `json:"account"`
	Token     string    `json:"token"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one immutable side of a balance movement.
type Entry struct {
	ID           int64     `json:"id"`
	Account      string    `json:"account"`
	Token        string    `json:"token"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists balances and entries. Transfer must be atomic: either both
// sides move or neither does.
type Store interface {
	Credit(ctx context.Context, account, token string, amount *big.Int, reference string) error
	Transfer(ctx context.Context, from, to, token string, amount *big.Int, reference string) error
	BalanceOf(ctx context.Context, account, token string) (*big.Int, error)
	ListBalances(ctx context.Context, account string) ([]*Balance, error)
	ListEntries(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates and normalizes requests before they reach the store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a custody ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Credit mints amount of token into account. Used for deposits and for
// seeding demo balances.
func (l *Ledger) Credit(ctx context.Context, account, token string, amount *big.Int, reference string) error {
	defer observeOp("credit")()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	account, token = normalize(account), normalize(token)
	if err := l.store.Credit(ctx, account, token, amount, reference); err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	l.logger.Info("ledger credit", "account", account, "token", token, "amount", amount.String(), "reference", reference)
	return nil
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to, token string, amount *big.Int, reference string) error {
	defer observeOp("transfer")()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	from, to, token = normalize(from), normalize(to), normalize(token)
	if from == to {
		return ErrSameAccount
	}
	if err := l.store.Transfer(ctx, from, to, token, amount, reference); err != nil {
		return err
	}
	l.logger.Debug("ledger transfer", "from", from, "to", to, "token", token, "amount", amount.String(), "reference", reference)
	return nil
}

// BalanceOf returns the account's balance of token; unknown pairs are zero.
func (l *Ledger) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	return l.store.BalanceOf(ctx, normalize(account), normalize(token))
}

// Balances lists every token balance held by account.
func (l *Ledger) Balances(ctx context.Context, account string) ([]*Balance, error) {
	return l.store.ListBalances(ctx, normalize(account))
}

// Entries returns the most recent entries for account, newest first.
func (l *Ledger) Entries(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListEntries(ctx, normalize(account), limit)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
