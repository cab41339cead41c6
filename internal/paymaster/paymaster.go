// Package paymaster is the session-based settlement engine.
//
// A gateway opens a session for a user who pays up front in a supported
// token. The payment is normalized into settlement units and moved into the
// paymaster's custody account. While the session is active the gateway
// records LGU gas usage against per-session, per-gateway and system-wide
// quotas. Ending the session settles it: the protocol fee is taken from the
// session value, the gas is drawn from the LGU tank, and the profit metrics
// are updated, all in one store transaction.
//
//	NonExistent --StartSession--> Active --RecordGasUsage*--> Active --EndSession--> Ended
package paymaster

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/latticepay/internal/units"
)

// Mode is the health mode of the LGU tank.
type Mode int

const (
	ModeActive   Mode = 0
	ModeDegraded Mode = 1 // behaves like Active; signals operators to top up
	ModePaused   Mode = 2
)

var modeNames = map[Mode]string{ModeActive: "active", ModeDegraded: "degraded", ModePaused: "paused"}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode accepts a mode name or its numeric value.
func ParseMode(s string) (Mode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, n := range modeNames {
		if s == n || s == strconv.Itoa(int(m)) {
			return m, true
		}
	}
	return 0, false
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, ok := ParseMode(string(b))
	if !ok {
		return ErrInvalidMode
	}
	*m = v
	return nil
}

// Session is one payment session. Amounts are base-10 smallest units.
type Session struct {
	ID            string     `json:"id"`
	User          string     `json:"user"`
	Gateway       string     `json:"gateway"`
	Active        bool       `json:"active"`
	PaymentToken  string     `json:"paymentToken"`
	PaymentAmount string     `json:"paymentAmount"`
	SessionValue  string     `json:"sessionValue"` // settlement units
	GasUsed       string     `json:"gasUsed"`      // LGU
	Fee           string     `json:"fee,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// Tank is the paymaster's LGU reserve and quota configuration.
type Tank struct {
	Balance          string    `json:"balance"`
	MinReserve       string    `json:"minReserve"`
	DailyLimit       string    `json:"dailyLimit"`
	DailyUsed        string    `json:"dailyUsed"`
	Day              int64     `json:"day"`
	MaxGasPerSession string    `json:"maxGasPerSession"`
	Mode             Mode      `json:"mode"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// UsedOn returns daily usage as seen on day; a stale day reads as zero.
func (t *Tank) UsedOn(day int64) *big.Int {
	if t.Day != day {
		return new(big.Int)
	}
	return units.OrZero(t.DailyUsed)
}

// Roll moves the tank to day, zeroing usage if the day changed.
func (t *Tank) Roll(day int64) bool {
	if t.Day == day {
		return false
	}
	t.Day = day
	t.DailyUsed = "0"
	return true
}

// Metrics are the cumulative settlement totals. They only grow.
type Metrics struct {
	Revenue      string `json:"revenue"`    // fees, settlement units
	TotalGas     string `json:"totalGas"`   // LGU
	TotalValue   string `json:"totalValue"` // settled session value, settlement units
	SessionCount int64  `json:"sessionCount"`
}

// UserMetrics are per-user settlement totals.
type UserMetrics struct {
	User         string `json:"user"`
	TotalLGUUsed string `json:"totalLguUsed"`
	SessionCount int64  `json:"sessionCount"`
}

// Settlement is the result of ending a session.
type Settlement struct {
	Session *Session `json:"session"`
	Fee     string   `json:"fee"`
	Net     string   `json:"net"`
	GasUsed string   `json:"gasUsed"`
	GasCost string   `json:"gasCost"` // gasUsed * lguPrice, settlement units
	Balance string   `json:"lguBalance"`
}

// Entitlements answers whether a user may open sessions.
type Entitlements interface {
	IsEntitled(ctx context.Context, user string) (bool, error)
}

// Gateways is the authorization oracle and per-gateway quota keeper.
// Implementations report quota and rate failures as ErrGatewayQuotaExceeded
// and ErrRateLimited.
type Gateways interface {
	IsAuthorized(ctx context.Context, gateway string) (bool, error)
	Allow(ctx context.Context, gateway string) error
	ConsumeQuota(ctx context.Context, gateway string, amount *big.Int) error
	ReleaseQuota(ctx context.Context, gateway string, amount *big.Int) error
}

// Normalizer prices payment tokens in settlement units. Implementations
// report unknown tokens as ErrUnsupportedToken.
type Normalizer interface {
	IsSupported(ctx context.Context, token string) (bool, error)
	Normalize(ctx context.Context, token string, amount *big.Int) (*big.Int, error)
	SettlementToken() string
}

// Custody moves tokens between accounts atomically.
type Custody interface {
	Transfer(ctx context.Context, from, to, token string, amount *big.Int, reference string) error
}

// EventPublisher receives events after they are committed.
type EventPublisher interface {
	PublishEvent(ev *Event)
}

// Config holds the engine's economic parameters.
type Config struct {
	FeeBps         int64    // protocol fee on session value, basis points
	LGUPrice       *big.Int // settlement units per LGU
	CustodyAccount string   // receives session payments
}

// DefaultConfig returns a 1% fee and an LGU price of one settlement token.
func DefaultConfig() Config {
	return Config{
		FeeBps:         100,
		LGUPrice:       big.NewInt(1_000_000),
		CustodyAccount: "0x000000000000000000000000000000000000c0de",
	}
}

// Day returns the UTC epoch day of t.
func Day(t time.Time) int64 {
	return t.Unix() / 86400
}
