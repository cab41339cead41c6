// Package subscription decides which users may open paymaster sessions.
//
// A user is entitled while they hold a subscription whose expiry lies in the
// future. Subscriptions are bought with the settlement token through the
// custody ledger or granted by an administrator.
package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("subscription: not found")
	ErrInvalidTier   = errors.New("subscription: invalid tier")
	ErrInvalidMonths = errors.New("subscription: months must be between 1 and 36")
	ErrInvalidExpiry = errors.New("subscription: expiry must be in the future")
	ErrPaymentFailed = errors.New("subscription: payment failed")
)

// Month is the billing period of a subscription.
const Month = 30 * 24 * time.Hour

// MaxMonths bounds a single purchase.
const MaxMonths = 36

// Tier identifies a subscription level.
type Tier int

const (
	TierBasic      Tier = 1
	TierPro        Tier = 2
	TierEnterprise Tier = 3
)

// Plan is the catalogue entry for a tier. MonthlyPrice is in settlement
// smallest units.
type Plan struct {
	Tier         Tier   `json:"tier"`
	Name         string `json:"name"`
	MonthlyPrice int64  `json:"monthlyPrice"`
}

// Plans is the tier catalogue.
var Plans = map[Tier]Plan{
	TierBasic:      {Tier: TierBasic, Name: "basic", MonthlyPrice: 50_000_000},
	TierPro:        {Tier: TierPro, Name: "pro", MonthlyPrice: 150_000_000},
	TierEnterprise: {Tier: TierEnterprise, Name: "enterprise", MonthlyPrice: 500_000_000},
}

// ValidTier returns true if the tier is in the catalogue.
func ValidTier(t Tier) bool {
	_, ok := Plans[t]
	return ok
}

// Subscription is a user's current entitlement.
type Subscription struct {
	User      string    `json:"user"`
	Tier      Tier      `json:"tier"`
	ExpiresAt time.Time `json:"expiresAt"`
	Source    string    `json:"source"` // "purchase" or "grant"
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveAt reports whether the subscription is valid at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s != nil && t.Before(s.ExpiresAt)
}

// Store persists subscriptions.
type Store interface {
	Get(ctx context.Context, user string) (*Subscription, error)
	Put(ctx context.Context, sub *Subscription) error
	List(ctx context.Context, limit int) ([]*Subscription, error)
}
