package paymaster

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/latticepay/internal/ledger"
	"github.com/mbd888/latticepay/internal/units"
)

const (
	gw1     = "0x00000000000000000000000000000000000000a1"
	gw2     = "0x00000000000000000000000000000000000000a2"
	alice   = "0x00000000000000000000000000000000000000b1"
	bob     = "0x00000000000000000000000000000000000000b2"
	usdt    = "0x00000000000000000000000000000000000000c1"
	weth    = "0x00000000000000000000000000000000000000c2"
	usdc    = "0x00000000000000000000000000000000000000c3"
	unknown = "0x00000000000000000000000000000000000000ff"
	custody = "0x000000000000000000000000000000000000c0de"
)

func e(n int64, pow int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), units.Pow10(pow))
}

// fakeGateways tracks per-gateway daily quota in memory.
type fakeGateways struct {
	mu      sync.Mutex
	allowed map[string]bool
	limit   map[string]*big.Int
	used    map[string]*big.Int
	limited map[string]bool
}

func newFakeGateways() *fakeGateways {
	return &fakeGateways{
		allowed: map[string]bool{gw1: true, gw2: true},
		limit:   map[string]*big.Int{gw1: e(1, 9), gw2: e(1, 9)},
		used:    map[string]*big.Int{},
		limited: map[string]bool{},
	}
}

func (f *fakeGateways) IsAuthorized(_ context.Context, gw string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[gw], nil
}

func (f *fakeGateways) Allow(_ context.Context, gw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limited[gw] {
		return ErrRateLimited
	}
	return nil
}

func (f *fakeGateways) ConsumeQuota(_ context.Context, gw string, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := new(big.Int).Add(units.OrZero(f.usedOf(gw)), amount)
	if next.Cmp(f.limit[gw]) > 0 {
		return ErrGatewayQuotaExceeded
	}
	f.used[gw] = next
	return nil
}

func (f *fakeGateways) ReleaseQuota(_ context.Context, gw string, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[gw] = new(big.Int).Sub(units.OrZero(f.usedOf(gw)), amount)
	return nil
}

func (f *fakeGateways) usedOf(gw string) string {
	if u, ok := f.used[gw]; ok {
		return u.String()
	}
	return "0"
}

// fakeTokens prices WETH at 3000 USDT and USDC at par; USDT is the
// 6-decimal settlement token.
type fakeTokens struct{}

func (fakeTokens) IsSupported(_ context.Context, token string) (bool, error) {
	return token == usdt || token == weth || token == usdc, nil
}

func (fakeTokens) Normalize(_ context.Context, token string, amount *big.Int) (*big.Int, error) {
	switch token {
	case usdt, usdc:
		return new(big.Int).Set(amount), nil
	case weth:
		out := new(big.Int).Mul(amount, e(3000, 6))
		return out.Quo(out, e(1, 18)), nil
	}
	return nil, ErrUnsupportedToken
}

func (fakeTokens) SettlementToken() string { return usdt }

type fakeSubs struct {
	mu       sync.Mutex
	entitled map[string]bool
}

func (f *fakeSubs) IsEntitled(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entitled[user], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingPublisher) PublishEvent(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *MemoryStore
	gateways *fakeGateways
	subs     *fakeSubs
	ledger   *ledger.Ledger
	pub      *recordingPublisher
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithTank(t, TankParams{
		Balance:          big.NewInt(10_000),
		MinReserve:       big.NewInt(1_000),
		DailyLimit:       big.NewInt(5_000),
		MaxGasPerSession: big.NewInt(2_000),
	})
}

func newFixtureWithTank(t *testing.T, tank TankParams) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    NewMemoryStore(),
		gateways: newFakeGateways(),
		subs:     &fakeSubs{entitled: map[string]bool{alice: true, bob: true}},
		ledger:   ledger.New(ledger.NewMemoryStore(), nil),
		pub:      &recordingPublisher{},
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := DefaultConfig()
	cfg.CustodyAccount = custody
	f.engine = NewEngine(f.store, fakeTokens{}, f.subs, f.gateways, f.ledger, cfg, nil).
		WithPublisher(f.pub).
		WithClock(f.clock.Now)

	require.NoError(t, f.engine.InitTank(ctx, tank))
	for _, u := range []string{alice, bob} {
		require.NoError(t, f.ledger.Credit(ctx, u, usdt, e(1000, 6), "seed"))
		require.NoError(t, f.ledger.Credit(ctx, u, weth, e(10, 18), "seed"))
		require.NoError(t, f.ledger.Credit(ctx, u, usdc, e(1000, 6), "seed"))
	}
	return f
}

// engineOn builds a second engine sharing the fixture's collaborators but
// reading and writing through store.
func (f *fixture) engineOn(store Store, pub EventPublisher) *Engine {
	cfg := DefaultConfig()
	cfg.CustodyAccount = custody
	return NewEngine(store, fakeTokens{}, f.subs, f.gateways, f.ledger, cfg, nil).
		WithPublisher(pub).
		WithClock(f.clock.Now)
}

// pausingStore holds the first RecordGas until release is closed.
type pausingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	paused  atomic.Bool
}

func newPausingStore(m *MemoryStore) *pausingStore {
	return &pausingStore{MemoryStore: m, entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingStore) RecordGas(ctx context.Context, id string, amount *big.Int, day int64) (*Session, error) {
	if p.paused.CompareAndSwap(false, true) {
		close(p.entered)
		<-p.release
	}
	return p.MemoryStore.RecordGas(ctx, id, amount, day)
}

// lateGasStore lands extra gas on the session just before settling it, as a
// concurrent writer on another replica would.
type lateGasStore struct {
	*MemoryStore
	extra *big.Int
}

func (l *lateGasStore) SettleSession(ctx context.Context, id string, p SettleParams) (*Settled, error) {
	if _, err := l.MemoryStore.RecordGas(ctx, id, l.extra, p.Day); err != nil {
		return nil, err
	}
	return l.MemoryStore.SettleSession(ctx, id, p)
}

func (f *fixture) start(t *testing.T, user string) *Session {
	t.Helper()
	s, err := f.engine.StartSession(context.Background(), gw1, user, usdt, e(100, 6))
	require.NoError(t, err)
	return s
}

func TestStartSession_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, gw1, alice, weth, e(1, 18))
	require.NoError(t, err)

	assert.True(t, s.Active)
	assert.Equal(t, e(3000, 6).String(), s.SessionValue)
	assert.Equal(t, "0", s.GasUsed)
	assert.Equal(t, gw1, s.Gateway)

	bal, err := f.ledger.BalanceOf(ctx, custody, weth)
	require.NoError(t, err)
	assert.Equal(t, e(1, 18).String(), bal.String())
	bal, err = f.ledger.BalanceOf(ctx, alice, weth)
	require.NoError(t, err)
	assert.Equal(t, e(9, 18).String(), bal.String())

	active, err := f.engine.GetActiveSession(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)

	require.Len(t, f.pub.events, 2)
	assert.Equal(t, EventSessionStarted, f.pub.events[0].Type)
	assert.Equal(t, s.ID, f.pub.events[0].Payload["sessionId"])
	assert.Equal(t, e(1, 18).String(), f.pub.events[0].Payload["paymentAmount"])
	assert.Equal(t, EventPaymentNormalized, f.pub.events[1].Type)
	assert.Equal(t, e(3000, 6).String(), f.pub.events[1].Payload["settlementAmount"])
}

func TestStartSession_SettlementTokenSkipsNormalizedEvent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, alice)
	assert.Equal(t, e(100, 6).String(), s.SessionValue)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, EventSessionStarted, f.pub.events[0].Type)
}

func TestStartSession_AddressesAreCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	s, err := f.engine.StartSession(context.Background(), strings.ToUpper(gw1), strings.ToUpper(alice), strings.ToUpper(usdt), e(1, 6))
	require.NoError(t, err)
	assert.Equal(t, alice, s.User)
	assert.Equal(t, usdt, s.PaymentToken)
}

func TestStartSession_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		caller  string
		user    string
		token   string
		amount  *big.Int
		wantErr error
	}{
		{"unknown gateway", nil, "0x0000000000000000000000000000000000000999", alice, usdt, e(1, 6), ErrGatewayNotAuthorized},
		{"unauthorized wins over zero amount", nil, "0x0000000000000000000000000000000000000999", alice, usdt, big.NewInt(0), ErrGatewayNotAuthorized},
		{"rate limited", func(f *fixture) { f.gateways.limited[gw1] = true }, gw1, alice, usdt, e(1, 6), ErrRateLimited},
		{"zero amount", nil, gw1, alice, usdt, big.NewInt(0), ErrInvalidPaymentAmount},
		{"zero amount wins over unsupported token", nil, gw1, alice, unknown, big.NewInt(0), ErrInvalidPaymentAmount},
		{"unsupported token", nil, gw1, alice, unknown, e(1, 6), ErrUnsupportedToken},
		{"no subscription", func(f *fixture) { f.subs.entitled[alice] = false }, gw1, alice, usdt, e(1, 6), ErrNoSubscription},
		{"paused", func(f *fixture) {
			_, err := f.engine.SetPaymasterMode(context.Background(), ModePaused)
			if err != nil {
				panic(err)
			}
		}, gw1, alice, usdt, e(1, 6), ErrPaymasterPaused},
		{"bad user address", nil, gw1, "alice", usdt, e(1, 6), ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.engine.StartSession(context.Background(), tt.caller, tt.user, tt.token, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
			_, err = f.engine.GetActiveSession(context.Background(), alice)
			assert.ErrorIs(t, err, ErrSessionNotFound)
			assert.Empty(t, f.pub.events)
		})
	}
}

func TestStartSession_AlreadyActive(t *testing.T) {
	f := newFixture(t)
	f.start(t, alice)

	_, err := f.engine.StartSession(context.Background(), gw2, alice, usdt, e(1, 6))
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)

	// Another user is unaffected.
	f.start(t, bob)
}

func TestStartSession_DegradedBehavesLikeActive(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetPaymasterMode(context.Background(), ModeDegraded)
	require.NoError(t, err)
	f.start(t, alice)
}

func TestStartSession_PaymentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, gw1, alice, usdt, e(5000, 6))
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = f.engine.GetActiveSession(ctx, alice)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	bal, err := f.ledger.BalanceOf(ctx, alice, usdt)
	require.NoError(t, err)
	assert.Equal(t, e(1000, 6).String(), bal.String())
}

func TestStartSession_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.StartSession(context.Background(), gw1, alice, usdt, e(1, 6))
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrSessionAlreadyActive):
				already.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), already.Load())

	// Only the winning payment left alice's account.
	bal, err := f.ledger.BalanceOf(context.Background(), alice, usdt)
	require.NoError(t, err)
	assert.Equal(t, e(999, 6).String(), bal.String())
}

func TestRecordGasUsage_Additive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)

	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(300))
	require.NoError(t, err)
	got, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, "500", got.GasUsed)

	st, err := f.engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "500", st.DailyUsed)
	assert.Equal(t, "4500", st.DailyRemaining)
	assert.Equal(t, "10000", st.CurrentBalance, "recording gas never touches the balance")
	assert.Equal(t, "500", f.gateways.usedOf(gw1))
}

func TestRecordGasUsage_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)

	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidGasAmount)

	_, err = f.engine.RecordGasUsage(ctx, "0x0000000000000000000000000000000000000999", s.ID, big.NewInt(1))
	assert.ErrorIs(t, err, ErrGatewayNotAuthorized)

	_, err = f.engine.RecordGasUsage(ctx, gw1, "0xdeadbeef", big.NewInt(1))
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(2_001))
	assert.ErrorIs(t, err, ErrGasExceedsSessionLimit)

	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(2_000))
	require.NoError(t, err, "exactly the session maximum is allowed")
	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1))
	assert.ErrorIs(t, err, ErrGasExceedsSessionLimit)
}

func TestRecordGasUsage_GatewayQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateways.limit[gw1] = big.NewInt(100)
	s := f.start(t, alice)

	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(101))
	assert.ErrorIs(t, err, ErrGatewayQuotaExceeded)

	// A different gateway has its own quota.
	_, err = f.engine.RecordGasUsage(ctx, gw2, s.ID, big.NewInt(101))
	require.NoError(t, err)
}

func TestRecordGasUsage_DailyLimitReleasesGatewayQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var sessions []*Session
	for _, u := range []string{alice, bob} {
		sessions = append(sessions, f.start(t, u))
	}
	_, err := f.engine.RecordGasUsage(ctx, gw1, sessions[0].ID, big.NewInt(2_000))
	require.NoError(t, err)
	_, err = f.engine.RecordGasUsage(ctx, gw1, sessions[1].ID, big.NewInt(2_000))
	require.NoError(t, err)

	_, err = f.engine.SetGasTankParameters(ctx, big.NewInt(1_000), big.NewInt(4_500), big.NewInt(3_000))
	require.NoError(t, err)
	_, err = f.engine.RecordGasUsage(ctx, gw1, sessions[0].ID, big.NewInt(600))
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
	assert.Equal(t, "4000", f.gateways.usedOf(gw1), "gateway quota is released on a system rejection")
}

func TestRecordGasUsage_ProvisionalQuotaInvisibleToOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateways.limit[gw1] = big.NewInt(100)
	_, err := f.engine.SetGasTankParameters(ctx, big.NewInt(1_000), big.NewInt(50), big.NewInt(2_000))
	require.NoError(t, err)
	a := f.start(t, alice)
	b := f.start(t, bob)

	ps := newPausingStore(f.store)
	eng := f.engineOn(ps, nil)

	errA := make(chan error, 1)
	go func() {
		_, err := eng.RecordGasUsage(ctx, gw1, a.ID, big.NewInt(100))
		errA <- err
	}()
	<-ps.entered

	errB := make(chan error, 1)
	go func() {
		_, err := eng.RecordGasUsage(ctx, gw1, b.ID, big.NewInt(10))
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(ps.release)

	assert.ErrorIs(t, <-errA, ErrDailyLimitExceeded)
	assert.NoError(t, <-errB, "the paused charge must not count against the gateway")
	assert.Equal(t, "10", f.gateways.usedOf(gw1))

	st, err := eng.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", st.DailyUsed)
}

func TestRecordGasUsage_DailyRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)
	_, err := f.engine.SetGasTankParameters(ctx, big.NewInt(1_000), big.NewInt(1_500), big.NewInt(5_000))
	require.NoError(t, err)

	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_500))
	require.NoError(t, err)
	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1))
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	f.clock.Advance(12 * time.Hour)
	st, err := f.engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", st.DailyUsed)

	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_000))
	require.NoError(t, err)
}

func TestRecordGasUsage_ConcurrentNeverExceedsDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SetGasTankParameters(ctx, big.NewInt(0), big.NewInt(1_000), big.NewInt(1_000))
	require.NoError(t, err)
	a := f.start(t, alice)
	b := f.start(t, bob)

	var wg sync.WaitGroup
	for i := range 50 {
		id := a.ID
		if i%2 == 1 {
			id = b.ID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.RecordGasUsage(ctx, gw1, id, big.NewInt(30))
		}()
	}
	wg.Wait()

	st, err := f.engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	used, _ := new(big.Int).SetString(st.DailyUsed, 10)
	assert.LessOrEqual(t, used.Int64(), int64(1_000))

	sa, _ := f.engine.GetSessionDetails(ctx, a.ID)
	sb, _ := f.engine.GetSessionDetails(ctx, b.ID)
	total := new(big.Int).Add(units.OrZero(sa.GasUsed), units.OrZero(sb.GasUsed))
	assert.Equal(t, st.DailyUsed, total.String())
	assert.Equal(t, st.DailyUsed, f.gateways.usedOf(gw1))
}

func TestEndSession_Settlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)
	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_500))
	require.NoError(t, err)

	st, err := f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)

	assert.Equal(t, e(1, 6).String(), st.Fee)
	assert.Equal(t, e(99, 6).String(), st.Net)
	assert.Equal(t, "1500", st.GasUsed)
	assert.Equal(t, e(1500, 6).String(), st.GasCost)
	assert.Equal(t, "8500", st.Balance)
	assert.False(t, st.Session.Active)
	require.NotNil(t, st.Session.EndedAt)

	m, err := f.engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, e(1, 6).String(), m.Revenue)
	assert.Equal(t, "1500", m.TotalGas)
	assert.Equal(t, int64(1), m.SessionCount)
	assert.Equal(t, "8500", m.CurrentLGUBalance)

	um, err := f.engine.GetUserMetrics(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1500", um.TotalLGUUsed)
	assert.Equal(t, int64(1), um.SessionCount)

	require.Len(t, f.pub.events, 3)
	ended := f.pub.events[1]
	assert.Equal(t, EventSessionEnded, ended.Type)
	assert.Equal(t, e(100, 6).String(), ended.Payload["sessionValueUSDT"])
	assert.Equal(t, e(1, 6).String(), ended.Payload["feeUSDT"])
	assert.Equal(t, "1500", ended.Payload["gasUsedLGU"])
	profit := f.pub.events[2]
	assert.Equal(t, EventProfitRecorded, profit.Type)
	assert.Equal(t, e(1500, 6).String(), profit.Payload["gasCostUSDT"])

	// Ended is terminal.
	_, err = f.engine.EndSession(ctx, gw1, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1))
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// The user may open a new session.
	f.start(t, alice)
}

func TestEndSession_PricesCommittedGas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)
	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_000))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	eng := f.engineOn(&lateGasStore{MemoryStore: f.store, extra: big.NewInt(500)}, pub)
	st, err := eng.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)

	assert.Equal(t, "1500", st.GasUsed)
	assert.Equal(t, e(1500, 6).String(), st.GasCost)
	assert.Equal(t, "8500", st.Balance)
	require.Len(t, pub.events, 2)
	assert.Equal(t, "1500", pub.events[0].Payload["gasUsedLGU"])
	assert.Equal(t, e(1500, 6).String(), pub.events[1].Payload["gasCostUSDT"])

	m, err := f.engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1500", m.TotalGas)
}

func TestEndSession_ZeroReserveDrainsExactly(t *testing.T) {
	f := newFixtureWithTank(t, TankParams{
		Balance:          big.NewInt(1_500),
		MinReserve:       big.NewInt(0),
		DailyLimit:       big.NewInt(5_000),
		MaxGasPerSession: big.NewInt(2_000),
	})
	ctx := context.Background()
	s := f.start(t, alice)
	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_500))
	require.NoError(t, err)

	st, err := f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", st.Balance)
}

func TestEndSession_ShortByOneIsRejected(t *testing.T) {
	f := newFixtureWithTank(t, TankParams{
		Balance:          big.NewInt(1_499),
		MinReserve:       big.NewInt(0),
		DailyLimit:       big.NewInt(5_000),
		MaxGasPerSession: big.NewInt(2_000),
	})
	ctx := context.Background()
	s := f.start(t, alice)
	_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_500))
	require.NoError(t, err)

	_, err = f.engine.EndSession(ctx, gw1, s.ID)
	require.ErrorIs(t, err, ErrInsufficientLGUBalance)

	still, err := f.engine.GetSessionDetails(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, still.Active)
	assert.Equal(t, "1500", still.GasUsed)
	m, err := f.engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1499", m.CurrentLGUBalance)
	assert.Equal(t, int64(0), m.SessionCount)
	assert.Equal(t, "0", m.Revenue)
	assert.Len(t, f.pub.events, 1)
}

func TestEndSession_RevenueAcrossSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		s, err := f.engine.StartSession(ctx, gw1, alice, usdt, e(200, 6))
		require.NoError(t, err)
		_, err = f.engine.EndSession(ctx, gw1, s.ID)
		require.NoError(t, err)
	}

	d, err := f.engine.GetDetailedProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "6000000", d.Revenue)
	assert.Equal(t, int64(3), d.SessionCount)
	assert.Equal(t, "600000000", d.TotalValue)
}

func TestStartSession_ParTokenIsNormalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartSession(ctx, gw1, alice, usdc, e(100, 6))
	require.NoError(t, err)
	assert.Equal(t, "100000000", s.SessionValue)

	require.Len(t, f.pub.events, 2)
	n := f.pub.events[1]
	assert.Equal(t, EventPaymentNormalized, n.Type)
	assert.Equal(t, usdc, n.Payload["token"])
	assert.Equal(t, "100000000", n.Payload["originalAmount"])
	assert.Equal(t, "100000000", n.Payload["settlementAmount"])

	st, err := f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", st.Fee)
	assert.Equal(t, "99000000", st.Net)
}

func TestEndSession_FeeTruncates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartSession(ctx, gw1, alice, usdt, big.NewInt(99))
	require.NoError(t, err)
	st, err := f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", st.Fee)
	assert.Equal(t, "99", st.Net)
}

func TestEndSession_InsufficientBalanceIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SetGasTankParameters(ctx, big.NewInt(9_000), big.NewInt(5_000), big.NewInt(2_000))
	require.NoError(t, err)
	s := f.start(t, alice)
	_, err = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(1_001))
	require.NoError(t, err)

	_, err = f.engine.EndSession(ctx, gw1, s.ID)
	require.ErrorIs(t, err, ErrInsufficientLGUBalance)
	assert.Equal(t, "Insufficient LGU balance", ErrInsufficientLGUBalance.Message)

	still, err := f.engine.GetSessionDetails(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, still.Active)
	m, err := f.engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.SessionCount)
	assert.Equal(t, "10000", m.CurrentLGUBalance)
	assert.Len(t, f.pub.events, 1)

	_, err = f.engine.TopUpLGUBalance(ctx, big.NewInt(1))
	require.NoError(t, err)
	st, err := f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "9000", st.Balance)
}

func TestEndSession_ConcurrentWithRecordGas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, alice)

	var wg sync.WaitGroup
	var ended atomic.Int32
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(10))
		}()
		go func() {
			defer wg.Done()
			if _, err := f.engine.EndSession(ctx, gw1, s.ID); err == nil {
				ended.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ended.Load())

	final, err := f.engine.GetSessionDetails(ctx, s.ID)
	require.NoError(t, err)
	m, err := f.engine.GetProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, final.GasUsed, m.TotalGas, "settled gas equals recorded gas")
}

func TestDetailedProfitMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.GetDetailedProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", d.AvgFeePerSession)
	assert.Equal(t, "0", d.AvgGasPerSession)
	assert.Equal(t, "0", d.TotalProfitMargin)

	for _, u := range []string{alice, bob} {
		s := f.start(t, u)
		_, err := f.engine.RecordGasUsage(ctx, gw1, s.ID, big.NewInt(100))
		require.NoError(t, err)
		_, err = f.engine.EndSession(ctx, gw1, s.ID)
		require.NoError(t, err)
	}

	d, err = f.engine.GetDetailedProfitMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.SessionCount)
	assert.Equal(t, e(1, 6).String(), d.AvgFeePerSession)
	assert.Equal(t, "100", d.AvgGasPerSession)
	assert.Equal(t, "100", d.TotalProfitMargin) // 1% in basis points
	assert.Equal(t, e(200, 6).String(), d.GasCost)
	assert.Equal(t, e(-198, 6).String(), d.NetProfit)
}

func TestTankAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.TopUpLGUBalance(ctx, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.engine.TopUpLGUBalance(ctx, units.MaxAmount)
	assert.ErrorIs(t, err, ErrAmountOverflow)
	st, err := f.engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10000", st.CurrentBalance)

	_, err = f.engine.SetPaymasterMode(ctx, Mode(7))
	assert.ErrorIs(t, err, ErrInvalidMode)

	for _, m := range []Mode{ModePaused, ModeDegraded, ModeActive, ModePaused, ModeActive} {
		st, err := f.engine.SetPaymasterMode(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, m, st.Mode)
	}

	_, err = f.engine.SetGasTankParameters(ctx, big.NewInt(-1), big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestInitTank_KeepsExistingTank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.TopUpLGUBalance(ctx, big.NewInt(5))
	require.NoError(t, err)

	require.NoError(t, f.engine.InitTank(ctx, TankParams{Balance: big.NewInt(1)}))
	st, err := f.engine.GetGasTankStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10005", st.CurrentBalance)
}

func TestListEvents_Ordered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartSession(ctx, gw1, alice, weth, e(1, 18))
	require.NoError(t, err)
	_, err = f.engine.EndSession(ctx, gw1, s.ID)
	require.NoError(t, err)

	all, err := f.engine.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.ID)
	}
	assert.Equal(t, []EventType{EventSessionStarted, EventPaymentNormalized, EventSessionEnded, EventProfitRecorded},
		[]EventType{all[0].Type, all[1].Type, all[2].Type, all[3].Type})

	rest, err := f.engine.ListEvents(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(3), rest[0].ID)
}

func TestNormalizePayment(t *testing.T) {
	f := newFixture(t)
	n, err := f.engine.NormalizePayment(context.Background(), weth, e(2, 18))
	require.NoError(t, err)
	assert.Equal(t, e(6000, 6).String(), n.SettlementAmount)
	assert.Equal(t, usdt, n.SettlementToken)

	_, err = f.engine.NormalizePayment(context.Background(), unknown, big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnsupportedToken)
}

func TestValidateUserAndGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.engine.ValidateUser(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.engine.ValidateGateway(ctx, "0x0000000000000000000000000000000000000999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSessions_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s := f.start(t, alice)
		_, err := f.engine.EndSession(ctx, gw1, s.ID)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		f.clock.Advance(time.Minute)
	}
	f.start(t, bob)

	page, next, err := f.engine.ListSessions(ctx, alice, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)
	require.NotEmpty(t, next)

	page, next, err = f.engine.ListSessions(ctx, strings.ToUpper(alice), next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	page, next, err = f.engine.ListSessions(ctx, alice, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Empty(t, next)

	all, _, err := f.engine.ListSessions(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	_, _, err = f.engine.ListSessions(ctx, "", "garbage!", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
