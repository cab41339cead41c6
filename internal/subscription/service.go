package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/latticepay/internal/syncutil"
)

// Payer moves settlement tokens between custody accounts.
type Payer interface {
	Transfer(ctx context.Context, from, to, token string, amount *big.Int, reference string) error
}

// Service sells, grants and checks subscriptions.
type Service struct {
	store    Store
	payer    Payer
	token    string
	treasury string
	logger   *slog.Logger
	now      func() time.Time
	locks    syncutil.KeyedMutex
}

// NewService creates a subscription service. Purchases are paid in token
// from the buyer's custody account into treasury.
func NewService(store Store, payer Payer, token, treasury string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		payer:    payer,
		token:    strings.ToLower(token),
		treasury: strings.ToLower(treasury),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the user's subscription, expired or not.
func (s *Service) Get(ctx context.Context, user string) (*Subscription, error) {
	return s.store.Get(ctx, strings.ToLower(user))
}

// IsEntitled reports whether user currently holds a valid subscription.
func (s *Service) IsEntitled(ctx context.Context, user string) (bool, error) {
	sub, err := s.store.Get(ctx, strings.ToLower(user))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.ActiveAt(s.now()), nil
}

// Purchase charges price*months of the settlement token and extends the
// subscription. A still-valid subscription is extended from its current
// expiry; an expired or missing one starts now.
func (s *Service) Purchase(ctx context.Context, user string, tier Tier, months int) (*Subscription, error) {
	plan, ok := Plans[tier]
	if !ok {
		return nil, ErrInvalidTier
	}
	if months < 1 || months > MaxMonths {
		return nil, ErrInvalidMonths
	}
	user = strings.ToLower(user)

	unlock := s.locks.Lock(user)
	defer unlock()

	now := s.now().UTC()
	start := now
	existing, err := s.store.Get(ctx, user)
	switch {
	case err == nil && existing.ActiveAt(now):
		start = existing.ExpiresAt
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	cost := new(big.Int).Mul(big.NewInt(plan.MonthlyPrice), big.NewInt(int64(months)))
	ref := fmt.Sprintf("subscription:%s:%d:%d", plan.Name, months, now.Unix())
	if err := s.payer.Transfer(ctx, user, s.treasury, s.token, cost, ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	sub := &Subscription{
		User:      user,
		Tier:      tier,
		ExpiresAt: start.Add(time.Duration(months) * Month),
		Source:    "purchase",
		UpdatedAt: now,
	}
	if err := s.store.Put(ctx, sub); err != nil {
		// Refund so the buyer is not charged for nothing.
		if rerr := s.payer.Transfer(ctx, s.treasury, user, s.token, cost, ref+":refund"); rerr != nil {
			s.logger.Error("subscription refund failed", "user", user, "amount", cost.String(), "error", rerr)
		}
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	s.logger.Info("subscription purchased", "user", user, "tier", plan.Name, "months", months, "cost", cost.String(), "expiresAt", sub.ExpiresAt)
	return sub, nil
}

// Grant sets a subscription without payment.
func (s *Service) Grant(ctx context.Context, user string, tier Tier, until time.Time) (*Subscription, error) {
	if !ValidTier(tier) {
		return nil, ErrInvalidTier
	}
	now := s.now().UTC()
	if !until.After(now) {
		return nil, ErrInvalidExpiry
	}
	user = strings.ToLower(user)

	unlock := s.locks.Lock(user)
	defer unlock()

	sub := &Subscription{User: user, Tier: tier, ExpiresAt: until.UTC(), Source: "grant", UpdatedAt: now}
	if err := s.store.Put(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	s.logger.Info("subscription granted", "user", user, "tier", Plans[tier].Name, "expiresAt", sub.ExpiresAt)
	return sub, nil
}

// List returns subscriptions ordered by expiry, latest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Subscription, error) {
	return s.store.List(ctx, limit)
}
