// Package gateway is the registry of gateways allowed to drive paymaster
// sessions.
//
// A gateway is authorized while its profile exists and is allowed. Each
// profile carries a daily gas allowance (in LGU) that is consumed as the
// gateway records usage and resets when the UTC day changes, plus an
// optional operations-per-hour rate.
package gateway

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// Errors
var (
	ErrNotFound        = errors.New("gateway: profile not found")
	ErrQuotaExceeded   = errors.New("gateway: daily limit exceeded")
	ErrRateLimited     = errors.New("gateway: operation rate exceeded")
	ErrInvalidLimit    = errors.New("gateway: invalid daily limit")
	ErrInvalidAmount   = errors.New("gateway: invalid amount")
	ErrInvalidAddress  = errors.New("gateway: invalid address")
	ErrLimitBelowUsage = errors.New("gateway: daily limit below today's usage")
)

// Profile is a registered gateway.
type Profile struct {
	Address     string    `json:"address"`
	DailyLimit  string    `json:"dailyLimit"`
	DailyUsed   string    `json:"dailyUsed"`
	Day         int64     `json:"day"` // UTC epoch day DailyUsed belongs to
	Allowed     bool      `json:"allowed"`
	MetadataURI string    `json:"metadataUri,omitempty"`
	OpsPerHour  int64     `json:"opsPerHour"` // 0 = unlimited
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UsedOn returns the usage counted against day; a stale day counts as zero.
func (p *Profile) UsedOn(day int64) *big.Int {
	if p.Day != day {
		return new(big.Int)
	}
	return units.OrZero(p.DailyUsed)
}

// Remaining returns how much of the daily limit is left on day.
func (p *Profile) Remaining(day int64) *big.Int {
	rem := new(big.Int).Sub(units.OrZero(p.DailyLimit), p.UsedOn(day))
	if rem.Sign() < 0 {
		rem.SetInt64(0)
	}
	return rem
}

// Store persists gateway profiles. ConsumeQuota and ReleaseQuota must be
// atomic with respect to each other for the same address.
type Store interface {
	// Put inserts p or replaces its limits, keeping the usage counter. It
	// returns ErrLimitBelowUsage when usage on p.Day already exceeds the new
	// DailyLimit.
	Put(ctx context.Context, p *Profile) error
	Get(ctx context.Context, address string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	SetAllowed(ctx context.Context, address string, allowed bool, at time.Time) error
	// ConsumeQuota rolls the counter to day if needed, then adds amount when
	// the result stays within DailyLimit. Otherwise ErrQuotaExceeded.
	ConsumeQuota(ctx context.Context, address string, amount *big.Int, day int64) error
	// ReleaseQuota subtracts amount from day's usage, flooring at zero.
	ReleaseQuota(ctx context.Context, address string, amount *big.Int, day int64) error
	// ResetDaily zeroes every counter not already on day.
	ResetDaily(ctx context.Context, day int64) (int, error)
}

// Day returns the UTC epoch day of t.
func Day(t time.Time) int64 {
	return t.Unix() / 86400
}
