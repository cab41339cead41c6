package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// Registry answers "is this token payable" and "what is it worth in
// settlement units". Reads have no side effects.
type Registry struct {
	store      Store
	settlement *Token
	logger     *slog.Logger
}

// NewRegistry creates a registry whose settlement token is always supported.
func NewRegistry(store Store, settlementAddr, symbol string, decimals int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	price := new(big.Int).Mul(units.Pow10(decimals), big.NewInt(PriceScale))
	return &Registry{
		store: store,
		settlement: &Token{
			Address:    strings.ToLower(settlementAddr),
			Symbol:     symbol,
			Decimals:   decimals,
			Price:      price.String(),
			Settlement: true,
		},
		logger: logger,
	}
}

// SettlementToken returns the settlement token address.
func (r *Registry) SettlementToken() string {
	return r.settlement.Address
}

// Settlement returns a copy of the settlement token definition.
func (r *Registry) Settlement() *Token {
	cp := *r.settlement
	return &cp
}

// IsSupported reports whether token may be used for payment.
func (r *Registry) IsSupported(ctx context.Context, token string) (bool, error) {
	_, err := r.GetToken(ctx, token)
	if errors.Is(err, ErrUnsupportedToken) {
		return false, nil
	}
	return err == nil, err
}

// GetToken returns the registered token.
func (r *Registry) GetToken(ctx context.Context, token string) (*Token, error) {
	addr := strings.ToLower(token)
	if addr == r.settlement.Address {
		return r.Settlement(), nil
	}
	return r.store.Get(ctx, addr)
}

// Normalize converts amount of token into settlement smallest units.
func (r *Registry) Normalize(ctx context.Context, token string, amount *big.Int) (*big.Int, error) {
	t, err := r.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Settlement {
		return new(big.Int).Set(amount), nil
	}
	return Convert(t, amount)
}

// AddToken registers or reprices a payment token.
func (r *Registry) AddToken(ctx context.Context, t *Token) (*Token, error) {
	cp := *t
	cp.Address = strings.ToLower(cp.Address)
	if cp.Address == r.settlement.Address {
		return nil, ErrSettlementToken
	}
	if err := cp.validate(); err != nil {
		return nil, err
	}
	cp.Settlement = false
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Put(ctx, &cp); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	r.logger.Info("token registered", "token", cp.Address, "symbol", cp.Symbol, "decimals", cp.Decimals, "price", cp.Price)
	return &cp, nil
}

// RemoveToken stops accepting token for new sessions. Active sessions keep
// the settlement value they were normalized to at start.
func (r *Registry) RemoveToken(ctx context.Context, token string) error {
	addr := strings.ToLower(token)
	if addr == r.settlement.Address {
		return ErrSettlementToken
	}
	if err := r.store.Delete(ctx, addr); err != nil {
		return err
	}
	r.logger.Info("token removed", "token", addr)
	return nil
}

// ListTokens returns the settlement token followed by every registered token.
func (r *Registry) ListTokens(ctx context.Context) ([]*Token, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return append([]*Token{r.Settlement()}, list...), nil
}
