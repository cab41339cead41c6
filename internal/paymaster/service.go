package paymaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/latticepay/internal/idgen"
	"github.com/mbd888/latticepay/internal/logging"
	"github.com/mbd888/latticepay/internal/syncutil"
	"github.com/mbd888/latticepay/internal/traces"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

const quotaKey = "governor"

// Engine runs the session lifecycle.
type Engine struct {
	store        Store
	tokens       Normalizer
	entitlements Entitlements
	gateways     Gateways
	custody      Custody
	publisher    EventPublisher
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time

	userLocks    syncutil.KeyedMutex // serializes StartSession per user
	sessionLocks syncutil.KeyedMutex // serializes gas and end per session
	quota        syncutil.KeyedMutex // serializes quota check-then-commit
	nonce        atomic.Uint64
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, tokens Normalizer, entitlements Entitlements, gateways Gateways, custody Custody, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LGUPrice == nil {
		cfg.LGUPrice = DefaultConfig().LGUPrice
	}
	cfg.CustodyAccount = strings.ToLower(cfg.CustodyAccount)
	e := &Engine{
		store:        store,
		tokens:       tokens,
		entitlements: entitlements,
		gateways:     gateways,
		custody:      custody,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
	e.nonce.Store(uint64(time.Now().UnixNano()))
	return e
}

// WithPublisher forwards committed events to p.
func (e *Engine) WithPublisher(p EventPublisher) *Engine {
	e.publisher = p
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the engine's economic parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return e.logger.With("request_id", id)
	}
	return e.logger
}

func (e *Engine) reject(ctx context.Context, op string, err error, attrs ...any) error {
	countRejection(op, err)
	var pe *Error
	if errors.As(err, &pe) {
		e.log(ctx).Warn("paymaster rejected "+op, append(attrs, "code", pe.Code)...)
	} else {
		e.log(ctx).Error("paymaster "+op+" failed", append(attrs, "error", err)...)
	}
	return err
}

// authorize checks the caller is an allowed gateway and within its rate.
func (e *Engine) authorize(ctx context.Context, caller string) error {
	ok, err := e.gateways.IsAuthorized(ctx, caller)
	if err != nil {
		return fmt.Errorf("failed to check gateway authorization: %w", err)
	}
	if !ok {
		return ErrGatewayNotAuthorized
	}
	return e.gateways.Allow(ctx, caller)
}

// StartSession opens a session for user paid with amount of token. Checks
// run in a fixed order and the first failure is returned.
func (e *Engine) StartSession(ctx context.Context, caller, user, token string, amount *big.Int) (*Session, error) {
	caller, user, token = strings.ToLower(caller), strings.ToLower(user), strings.ToLower(token)
	ctx, span := traces.StartSpan(ctx, "paymaster.StartSession", traces.Gateway(caller), traces.User(user), traces.Token(token))
	defer span.End()
	defer observeOp("start")()

	s, err := e.startSession(ctx, caller, user, token, amount)
	if err != nil {
		traces.Fail(span, err)
		return nil, e.reject(ctx, "start", err, "gateway", caller, "user", user, "token", token)
	}
	span.SetAttributes(traces.SessionID(s.ID))
	return s, nil
}

func (e *Engine) startSession(ctx context.Context, caller, user, token string, amount *big.Int) (*Session, error) {
	if err := e.authorize(ctx, caller); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidPaymentAmount
	}
	if amount.Cmp(units.MaxAmount) > 0 {
		return nil, ErrAmountOverflow
	}
	if !validation.IsValidEthAddress(user) {
		return nil, ErrInvalidAddress
	}
	supported, err := e.tokens.IsSupported(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to check token: %w", err)
	}
	if !supported {
		return nil, ErrUnsupportedToken
	}

	unlock, err := e.userLocks.LockContext(ctx, user)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.GetActiveSession(ctx, user); err == nil {
		return nil, ErrSessionAlreadyActive
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	entitled, err := e.entitlements.IsEntitled(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if !entitled {
		return nil, ErrNoSubscription
	}

	now := e.now().UTC()
	tank, err := e.store.GetTank(ctx, Day(now))
	if err != nil {
		return nil, fmt.Errorf("failed to load tank: %w", err)
	}
	if tank.Mode == ModePaused {
		return nil, ErrPaymasterPaused
	}

	value, err := e.tokens.Normalize(ctx, token, amount)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:            idgen.SessionID(user, token, amount, now, e.nonce.Add(1)),
		User:          user,
		Gateway:       caller,
		Active:        true,
		PaymentToken:  token,
		PaymentAmount: amount.String(),
		SessionValue:  value.String(),
		GasUsed:       "0",
		StartedAt:     now,
	}

	if err := e.custody.Transfer(ctx, user, e.cfg.CustodyAccount, token, amount, s.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	events := []*Event{sessionStarted(s, now)}
	if token != strings.ToLower(e.tokens.SettlementToken()) {
		events = append(events, paymentNormalized(s, now))
	}
	if err := e.store.CreateSession(ctx, s, events); err != nil {
		if rerr := e.custody.Transfer(ctx, e.cfg.CustodyAccount, user, token, amount, s.ID+":refund"); rerr != nil {
			e.log(ctx).Error("CRITICAL: session payment taken but refund failed",
				"session", s.ID, "user", user, "token", token, "amount", amount.String(), "error", rerr)
		}
		if errors.Is(err, ErrSessionAlreadyActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	pmSessionsStarted.Inc()
	e.publish(events)
	e.log(ctx).Info("session started",
		"session", s.ID, "user", user, "gateway", caller, "token", token,
		"amount", s.PaymentAmount, "value", s.SessionValue)
	return s, nil
}

// RecordGasUsage adds amount LGU to an active session and charges it
// against the caller's and the system's daily quotas.
func (e *Engine) RecordGasUsage(ctx context.Context, caller, sessionID string, amount *big.Int) (*Session, error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "paymaster.RecordGasUsage", traces.Gateway(caller), traces.SessionID(sessionID))
	defer span.End()
	defer observeOp("record_gas")()

	s, err := e.recordGasUsage(ctx, caller, sessionID, amount)
	if err != nil {
		traces.Fail(span, err)
		return nil, e.reject(ctx, "record_gas", err, "gateway", caller, "session", sessionID)
	}
	return s, nil
}

func (e *Engine) recordGasUsage(ctx context.Context, caller, sessionID string, amount *big.Int) (*Session, error) {
	if err := e.authorize(ctx, caller); err != nil {
		return nil, err
	}

	unlock, err := e.sessionLocks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !s.Active {
		return nil, ErrSessionNotActive
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidGasAmount
	}

	day := Day(e.now().UTC())
	tank, err := e.store.GetTank(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load tank: %w", err)
	}
	gas, ok := units.Add(units.OrZero(s.GasUsed), amount)
	if !ok || gas.Cmp(units.OrZero(tank.MaxGasPerSession)) > 0 {
		return nil, ErrGasExceedsSessionLimit
	}

	// Gateway charges stay provisional until the tank accepts the gas, so
	// no other recording may observe them in between.
	release, err := e.quota.LockContext(ctx, quotaKey)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.gateways.ConsumeQuota(ctx, caller, amount); err != nil {
		return nil, err
	}
	updated, err := e.store.RecordGas(ctx, sessionID, amount, day)
	if err != nil {
		if rerr := e.gateways.ReleaseQuota(ctx, caller, amount); rerr != nil {
			e.log(ctx).Error("failed to release gateway quota", "gateway", caller, "amount", amount.String(), "error", rerr)
		}
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record gas: %w", err)
	}

	pmGasRecorded.Add(toFloat(amount))
	e.log(ctx).Info("gas recorded", "session", sessionID, "gateway", caller, "amount", amount.String(), "total", updated.GasUsed)
	return updated, nil
}

// EndSession settles an active session. A rejected settlement leaves the
// session active so it can be retried after the tank is topped up.
func (e *Engine) EndSession(ctx context.Context, caller, sessionID string) (*Settlement, error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "paymaster.EndSession", traces.Gateway(caller), traces.SessionID(sessionID))
	defer span.End()
	defer observeOp("end")()

	st, err := e.endSession(ctx, caller, sessionID)
	if err != nil {
		traces.Fail(span, err)
		return nil, e.reject(ctx, "end", err, "gateway", caller, "session", sessionID)
	}
	return st, nil
}

func (e *Engine) endSession(ctx context.Context, caller, sessionID string) (*Settlement, error) {
	if err := e.authorize(ctx, caller); err != nil {
		return nil, err
	}

	unlock, err := e.sessionLocks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !s.Active {
		return nil, ErrSessionNotActive
	}

	now := e.now().UTC()
	out, err := e.store.SettleSession(ctx, sessionID, SettleParams{
		FeeBps:   e.cfg.FeeBps,
		LGUPrice: e.cfg.LGUPrice,
		EndedAt:  now,
		Day:      Day(now),
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to settle session: %w", err)
	}

	pmSessionsEnded.Inc()
	pmFeesCollected.Add(toFloat(out.Fee))
	observeTank(out.Tank)
	e.publish(out.Events)
	e.log(ctx).Info("session settled",
		"session", sessionID, "user", out.Session.User, "value", out.Session.SessionValue,
		"fee", out.Fee.String(), "gas", out.GasUsed.String(), "gasCost", out.GasCost.String(), "lguBalance", out.Tank.Balance)

	return &Settlement{
		Session: out.Session,
		Fee:     out.Fee.String(),
		Net:     out.Net.String(),
		GasUsed: out.GasUsed.String(),
		GasCost: out.GasCost.String(),
		Balance: out.Tank.Balance,
	}, nil
}

func (e *Engine) publish(events []*Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		e.publisher.PublishEvent(ev)
	}
}
