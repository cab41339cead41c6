package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/latticepay/internal/units"
)

// TankStatus is the tank as reported to operators.
type TankStatus struct {
	CurrentBalance   string `json:"currentBalance"`
	MinReserve       string `json:"minReserve"`
	DailyLimit       string `json:"dailyLimit"`
	DailyUsed        string `json:"dailyUsed"`
	DailyRemaining   string `json:"dailyRemaining"`
	MaxGasPerSession string `json:"maxGasPerSession"`
	Mode             Mode   `json:"mode"`
	Day              int64  `json:"day"`
}

// TankParams are the initial tank values applied on first boot.
type TankParams struct {
	Balance          *big.Int
	MinReserve       *big.Int
	DailyLimit       *big.Int
	MaxGasPerSession *big.Int
}

// InitTank creates the tank if the store does not have one yet. An existing
// tank is left untouched so restarts never reset the balance.
func (e *Engine) InitTank(ctx context.Context, p TankParams) error {
	now := e.now().UTC()
	t := &Tank{
		Balance:          bigString(p.Balance),
		MinReserve:       bigString(p.MinReserve),
		DailyLimit:       bigString(p.DailyLimit),
		DailyUsed:        "0",
		Day:              Day(now),
		MaxGasPerSession: bigString(p.MaxGasPerSession),
		Mode:             ModeActive,
		UpdatedAt:        now,
	}
	if err := e.store.EnsureTank(ctx, t); err != nil {
		return fmt.Errorf("failed to initialize tank: %w", err)
	}
	tank, err := e.store.GetTank(ctx, Day(now))
	if err != nil {
		return fmt.Errorf("failed to load tank: %w", err)
	}
	observeTank(tank)
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SetGasTankParameters replaces the reserve and quota limits.
func (e *Engine) SetGasTankParameters(ctx context.Context, minReserve, dailyLimit, maxGasPerSession *big.Int) (*TankStatus, error) {
	for _, v := range []*big.Int{minReserve, dailyLimit, maxGasPerSession} {
		if v == nil || v.Sign() < 0 || v.Cmp(units.MaxAmount) > 0 {
			return nil, e.reject(ctx, "set_tank", ErrInvalidParameters)
		}
	}
	now := e.now().UTC()
	t, err := e.store.SetTankParams(ctx, minReserve, dailyLimit, maxGasPerSession, now)
	if err != nil {
		return nil, e.reject(ctx, "set_tank", fmt.Errorf("failed to update tank: %w", err))
	}
	e.log(ctx).Info("tank parameters updated",
		"minReserve", t.MinReserve, "dailyLimit", t.DailyLimit, "maxGasPerSession", t.MaxGasPerSession)
	return statusOf(t, Day(now)), nil
}

// TopUpLGUBalance adds amount LGU to the tank.
func (e *Engine) TopUpLGUBalance(ctx context.Context, amount *big.Int) (*TankStatus, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject(ctx, "topup", ErrInvalidAmount)
	}
	now := e.now().UTC()
	t, err := e.store.TopUp(ctx, amount, now)
	if err != nil {
		if errors.Is(err, ErrAmountOverflow) {
			return nil, e.reject(ctx, "topup", err)
		}
		return nil, e.reject(ctx, "topup", fmt.Errorf("failed to top up tank: %w", err))
	}
	observeTank(t)
	e.log(ctx).Info("tank topped up", "amount", amount.String(), "balance", t.Balance)
	return statusOf(t, Day(now)), nil
}

// SetPaymasterMode switches the tank mode. Any transition is allowed.
func (e *Engine) SetPaymasterMode(ctx context.Context, mode Mode) (*TankStatus, error) {
	if !mode.Valid() {
		return nil, e.reject(ctx, "set_mode", ErrInvalidMode)
	}
	now := e.now().UTC()
	t, err := e.store.SetMode(ctx, mode, now)
	if err != nil {
		return nil, e.reject(ctx, "set_mode", fmt.Errorf("failed to set mode: %w", err))
	}
	observeTank(t)
	e.log(ctx).Info("paymaster mode changed", "mode", mode.String())
	return statusOf(t, Day(now)), nil
}

// GetGasTankStatus reports the tank for the current UTC day.
func (e *Engine) GetGasTankStatus(ctx context.Context) (*TankStatus, error) {
	day := Day(e.now().UTC())
	t, err := e.store.GetTank(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load tank: %w", err)
	}
	return statusOf(t, day), nil
}

// RollDay resets the tank's daily usage if the UTC day has changed.
func (e *Engine) RollDay(ctx context.Context) (bool, error) {
	day := Day(e.now().UTC())
	rolled, err := e.store.RollDay(ctx, day)
	if err != nil {
		return false, fmt.Errorf("failed to roll tank day: %w", err)
	}
	if rolled {
		e.log(ctx).Info("tank daily usage reset", "day", day)
	}
	return rolled, nil
}

func statusOf(t *Tank, day int64) *TankStatus {
	used := t.UsedOn(day)
	remaining := new(big.Int).Sub(units.OrZero(t.DailyLimit), used)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return &TankStatus{
		CurrentBalance:   t.Balance,
		MinReserve:       t.MinReserve,
		DailyLimit:       t.DailyLimit,
		DailyUsed:        used.String(),
		DailyRemaining:   remaining.String(),
		MaxGasPerSession: t.MaxGasPerSession,
		Mode:             t.Mode,
		Day:              day,
	}
}
