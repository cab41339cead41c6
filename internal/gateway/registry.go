package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/latticepay/internal/ratelimit"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// Registry manages gateway profiles and answers authorization and quota
// questions for the paymaster.
type Registry struct {
	store   Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a gateway registry. Rate profiles are enforced with
// limiter, which must be created with a zero default rate so that gateways
// without a profile are never throttled.
func NewRegistry(store Store, limiter *ratelimit.Limiter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{IdleTimeout: time.Hour})
	}
	return &Registry{store: store, limiter: limiter, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Today returns the current UTC epoch day.
func (r *Registry) Today() int64 {
	return Day(r.now())
}

// AddProfile registers a gateway or replaces its limits. New profiles start
// allowed with zero usage; an existing profile keeps today's usage, so a new
// limit below it is rejected with ErrLimitBelowUsage.
func (r *Registry) AddProfile(ctx context.Context, address string, dailyLimit *big.Int, metadataURI string, opsPerHour int64) (*Profile, error) {
	if !validation.IsValidEthAddress(address) {
		return nil, ErrInvalidAddress
	}
	if dailyLimit == nil || dailyLimit.Sign() < 0 || dailyLimit.Cmp(units.MaxAmount) > 0 {
		return nil, ErrInvalidLimit
	}
	if opsPerHour < 0 {
		return nil, ErrInvalidLimit
	}
	now := r.now().UTC()
	p := &Profile{
		Address:     strings.ToLower(address),
		DailyLimit:  dailyLimit.String(),
		DailyUsed:   "0",
		Day:         Day(now),
		Allowed:     true,
		MetadataURI: validation.SanitizeString(metadataURI, 512),
		OpsPerHour:  opsPerHour,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store gateway profile: %w", err)
	}
	r.applyRate(p)

	if list, err := r.store.List(ctx); err == nil {
		gwProfiles.Set(float64(len(list)))
	}
	r.logger.Info("gateway profile saved", "gateway", p.Address, "dailyLimit", p.DailyLimit, "opsPerHour", opsPerHour)
	return r.store.Get(ctx, p.Address)
}

// SetAllowed toggles whether a gateway may act.
func (r *Registry) SetAllowed(ctx context.Context, address string, allowed bool) error {
	addr := strings.ToLower(address)
	if err := r.store.SetAllowed(ctx, addr, allowed, r.now().UTC()); err != nil {
		return err
	}
	r.logger.Info("gateway authorization changed", "gateway", addr, "allowed", allowed)
	return nil
}

// GetProfile returns a gateway profile.
func (r *Registry) GetProfile(ctx context.Context, address string) (*Profile, error) {
	return r.store.Get(ctx, strings.ToLower(address))
}

// ListProfiles returns every registered gateway.
func (r *Registry) ListProfiles(ctx context.Context) ([]*Profile, error) {
	return r.store.List(ctx)
}

// IsAuthorized reports whether address is a registered, allowed gateway.
func (r *Registry) IsAuthorized(ctx context.Context, address string) (bool, error) {
	p, err := r.store.Get(ctx, strings.ToLower(address))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Allowed, nil
}

// Allow consumes one operation from the gateway's hourly rate.
func (r *Registry) Allow(_ context.Context, address string) error {
	if !r.limiter.AllowAt(strings.ToLower(address), r.now()) {
		gwQuotaRejections.WithLabelValues("rate").Inc()
		return ErrRateLimited
	}
	return nil
}

// ConsumeQuota charges amount against today's allowance.
func (r *Registry) ConsumeQuota(ctx context.Context, address string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := r.store.ConsumeQuota(ctx, strings.ToLower(address), amount, r.Today())
	if errors.Is(err, ErrQuotaExceeded) {
		gwQuotaRejections.WithLabelValues("quota").Inc()
		return err
	}
	if err != nil {
		return err
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	gwQuotaConsumed.Add(f)
	return nil
}

// ReleaseQuota gives back amount previously consumed today.
func (r *Registry) ReleaseQuota(ctx context.Context, address string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return r.store.ReleaseQuota(ctx, strings.ToLower(address), amount, r.Today())
}

// ResetDaily rolls every gateway counter to the current day.
func (r *Registry) ResetDaily(ctx context.Context) (int, error) {
	n, err := r.store.ResetDaily(ctx, r.Today())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("gateway daily counters reset", "count", n)
	}
	return n, nil
}

// LoadRates applies stored rate profiles to the limiter. Call once at start.
func (r *Registry) LoadRates(ctx context.Context) error {
	list, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		r.applyRate(p)
	}
	gwProfiles.Set(float64(len(list)))
	return nil
}

// Status is the gateway view returned to clients.
type Status struct {
	*Profile
	DailyRemaining string `json:"dailyRemaining"`
}

// GetStatus returns the profile with today's usage applied.
func (r *Registry) GetStatus(ctx context.Context, address string) (*Status, error) {
	p, err := r.GetProfile(ctx, address)
	if err != nil {
		return nil, err
	}
	day := r.Today()
	p.DailyUsed = p.UsedOn(day).String()
	p.Day = day
	return &Status{Profile: p, DailyRemaining: p.Remaining(day).String()}, nil
}

func (r *Registry) applyRate(p *Profile) {
	if p.OpsPerHour <= 0 {
		r.limiter.SetLimit(p.Address, 0, 0)
		return
	}
	r.limiter.SetLimit(p.Address, float64(p.OpsPerHour)/3600, int(min(p.OpsPerHour, 1<<20)))
}
