package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/latticepay/internal/pagination"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// ProfitMetrics is the headline metrics view.
type ProfitMetrics struct {
	Revenue           string `json:"revenue"`
	TotalGas          string `json:"totalGas"`
	SessionCount      int64  `json:"sessionCount"`
	CurrentLGUBalance string `json:"currentLguBalance"`
}

// DetailedProfitMetrics adds per-session averages and the margin.
type DetailedProfitMetrics struct {
	ProfitMetrics
	TotalValue       string `json:"totalValue"`
	AvgFeePerSession string `json:"avgFeePerSession"`
	AvgGasPerSession string `json:"avgGasPerSession"`
	GasCost          string `json:"gasCost"`   // totalGas * lguPrice
	NetProfit        string `json:"netProfit"` // revenue - gasCost, may be negative
	// TotalProfitMargin is revenue over settled value, in basis points.
	TotalProfitMargin string `json:"totalProfitMargin"`
}

// Normalization is the answer to a price query.
type Normalization struct {
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	SettlementAmount string `json:"settlementAmount"`
	SettlementToken  string `json:"settlementToken"`
}

// GetSessionDetails returns a session by ID.
func (e *Engine) GetSessionDetails(ctx context.Context, id string) (*Session, error) {
	return e.store.GetSession(ctx, id)
}

// GetActiveSession returns the user's active session, ErrSessionNotFound if none.
func (e *Engine) GetActiveSession(ctx context.Context, user string) (*Session, error) {
	return e.store.GetActiveSession(ctx, strings.ToLower(user))
}

// ListSessions returns a page of sessions, newest first, optionally for one
// user. cursor is the opaque value returned as next by the previous page.
func (e *Engine) ListSessions(ctx context.Context, user, cursor string, limit int) ([]*Session, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	var opts []ListOption
	if c != nil {
		opts = append(opts, WithCursor(c))
	}
	list, err := e.store.ListSessions(ctx, strings.ToLower(user), limit+1, opts...)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(list, limit, func(s *Session) (time.Time, string) {
		return s.StartedAt, s.ID
	})
	return page, next, nil
}

// GetProfitMetrics returns cumulative revenue, gas and session count.
func (e *Engine) GetProfitMetrics(ctx context.Context) (*ProfitMetrics, error) {
	pm, _, err := e.profit(ctx)
	return pm, err
}

func (e *Engine) profit(ctx context.Context) (*ProfitMetrics, *Metrics, error) {
	m, err := e.store.GetMetrics(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	t, err := e.store.GetTank(ctx, Day(e.now().UTC()))
	if err != nil && !errors.Is(err, ErrTankMissing) {
		return nil, nil, fmt.Errorf("failed to load tank: %w", err)
	}
	balance := "0"
	if t != nil {
		balance = t.Balance
	}
	return &ProfitMetrics{
		Revenue:           m.Revenue,
		TotalGas:          m.TotalGas,
		SessionCount:      m.SessionCount,
		CurrentLGUBalance: balance,
	}, m, nil
}

// GetDetailedProfitMetrics derives averages and margin. With no settled
// sessions every derived value is zero.
func (e *Engine) GetDetailedProfitMetrics(ctx context.Context) (*DetailedProfitMetrics, error) {
	pm, m, err := e.profit(ctx)
	if err != nil {
		return nil, err
	}

	revenue := units.OrZero(m.Revenue)
	totalGas := units.OrZero(m.TotalGas)
	totalValue := units.OrZero(m.TotalValue)
	d := &DetailedProfitMetrics{
		ProfitMetrics:     *pm,
		TotalValue:        totalValue.String(),
		AvgFeePerSession:  "0",
		AvgGasPerSession:  "0",
		GasCost:           "0",
		NetProfit:         "0",
		TotalProfitMargin: "0",
	}
	if m.SessionCount == 0 {
		return d, nil
	}

	n := big.NewInt(m.SessionCount)
	d.AvgFeePerSession = new(big.Int).Quo(revenue, n).String()
	d.AvgGasPerSession = new(big.Int).Quo(totalGas, n).String()
	gasCost := new(big.Int).Mul(totalGas, e.cfg.LGUPrice)
	d.GasCost = gasCost.String()
	d.NetProfit = new(big.Int).Sub(revenue, gasCost).String()
	if totalValue.Sign() > 0 {
		margin := new(big.Int).Mul(revenue, big.NewInt(10000))
		d.TotalProfitMargin = margin.Quo(margin, totalValue).String()
	}
	return d, nil
}

// GetUserMetrics returns a user's settled totals.
func (e *Engine) GetUserMetrics(ctx context.Context, user string) (*UserMetrics, error) {
	return e.store.GetUserMetrics(ctx, strings.ToLower(user))
}

// ValidateUser reports whether user currently holds an entitlement.
func (e *Engine) ValidateUser(ctx context.Context, user string) (bool, error) {
	return e.entitlements.IsEntitled(ctx, strings.ToLower(user))
}

// ValidateGateway reports whether addr is an allowed gateway.
func (e *Engine) ValidateGateway(ctx context.Context, addr string) (bool, error) {
	return e.gateways.IsAuthorized(ctx, strings.ToLower(addr))
}

// NormalizePayment prices amount of token in settlement units. It has no
// side effects.
func (e *Engine) NormalizePayment(ctx context.Context, token string, amount *big.Int) (*Normalization, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidEthAddress(token) {
		return nil, ErrInvalidAddress
	}
	out, err := e.tokens.Normalize(ctx, token, amount)
	if err != nil {
		return nil, err
	}
	return &Normalization{
		Token:            strings.ToLower(token),
		Amount:           amount.String(),
		SettlementAmount: out.String(),
		SettlementToken:  e.tokens.SettlementToken(),
	}, nil
}

// ListEvents drains the outbox after afterID.
func (e *Engine) ListEvents(ctx context.Context, afterID int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return e.store.ListEvents(ctx, afterID, limit)
}
