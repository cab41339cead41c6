package paymaster

import (
	"context"
	"math/big"
	"time"

	"github.com/mbd888/latticepay/internal/pagination"
	"github.com/mbd888/latticepay/internal/units"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the given position. Sessions are
// ordered newest first by (StartedAt, ID).
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// SettleParams carries the economic parameters a settlement is priced with.
// Stores compute every figure from the session row they lock.
type SettleParams struct {
	FeeBps   int64
	LGUPrice *big.Int
	EndedAt  time.Time
	Day      int64
}

// Settled is what SettleSession committed.
type Settled struct {
	Session *Session
	Tank    *Tank
	Fee     *big.Int
	Net     *big.Int
	GasUsed *big.Int
	GasCost *big.Int
	Events  []*Event
}

// price computes the settlement of s and the events recording it.
func price(s *Session, p SettleParams) (*Settled, error) {
	value := units.OrZero(s.SessionValue)
	fee := units.MulBps(value, p.FeeBps)
	gas := units.OrZero(s.GasUsed)
	gasCost, ok := units.Mul(gas, p.LGUPrice)
	if !ok {
		return nil, ErrAmountOverflow
	}
	return &Settled{
		Fee:     fee,
		Net:     new(big.Int).Sub(value, fee),
		GasUsed: gas,
		GasCost: gasCost,
		Events: []*Event{
			sessionEnded(s, fee.String(), gas.String(), p.EndedAt),
			profitRecorded(s.ID, fee.String(), gasCost.String(), p.EndedAt),
		},
	}, nil
}

// Store persists sessions, the tank, metrics and the event outbox.
//
// Mutating methods are atomic: either every effect (including the events
// passed in) is committed or none is.
type Store interface {
	// EnsureTank creates the tank with initial values if it does not exist.
	EnsureTank(ctx context.Context, initial *Tank) error

	// CreateSession inserts an active session. It returns
	// ErrSessionAlreadyActive if the user already has one.
	CreateSession(ctx context.Context, s *Session, events []*Event) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveSession(ctx context.Context, user string) (*Session, error)
	ListSessions(ctx context.Context, user string, limit int, opts ...ListOption) ([]*Session, error)

	// RecordGas adds amount to an active session's gas and to the tank's
	// daily usage for day. It re-checks ErrSessionNotActive,
	// ErrGasExceedsSessionLimit and ErrDailyLimitExceeded atomically.
	RecordGas(ctx context.Context, id string, amount *big.Int, day int64) (*Session, error)

	// SettleSession ends an active session: it prices the locked row, draws
	// its gas from the tank (ErrInsufficientLGUBalance if that would breach
	// the reserve), marks it ended, accumulates metrics and appends the
	// SessionEnded and ProfitRecorded events.
	SettleSession(ctx context.Context, id string, p SettleParams) (*Settled, error)

	// GetTank returns the tank as seen on day.
	GetTank(ctx context.Context, day int64) (*Tank, error)
	SetTankParams(ctx context.Context, minReserve, dailyLimit, maxGasPerSession *big.Int, at time.Time) (*Tank, error)
	SetMode(ctx context.Context, mode Mode, at time.Time) (*Tank, error)
	// TopUp adds to the balance; ErrAmountOverflow beyond 2^256-1.
	TopUp(ctx context.Context, amount *big.Int, at time.Time) (*Tank, error)
	// RollDay zeroes daily usage if the stored day differs from day.
	RollDay(ctx context.Context, day int64) (bool, error)

	GetMetrics(ctx context.Context) (*Metrics, error)
	GetUserMetrics(ctx context.Context, user string) (*UserMetrics, error)

	// ListEvents returns up to limit events with ID > afterID in ID order.
	ListEvents(ctx context.Context, afterID int64, limit int) ([]*Event, error)
}
