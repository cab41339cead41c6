package paymaster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/latticepay/internal/units"
)

// PostgresStore persists paymaster state in PostgreSQL. Every mutation runs
// in one serializable transaction; the tank row is locked with FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed paymaster store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `id, user_address, gateway_address, active, payment_token, payment_amount::TEXT,
	session_value::TEXT, gas_used::TEXT, COALESCE(fee::TEXT, ''), started_at, ended_at`

const tankColumns = `balance::TEXT, min_reserve::TEXT, daily_limit::TEXT, daily_used::TEXT, day,
	max_gas_per_session::TEXT, mode, updated_at`

type scanner interface{ Scan(...any) error }

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.User, &s.Gateway, &s.Active, &s.PaymentToken, &s.PaymentAmount,
		&s.SessionValue, &s.GasUsed, &s.Fee, &s.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

func scanTank(row scanner) (*Tank, error) {
	t := &Tank{}
	err := row.Scan(&t.Balance, &t.MinReserve, &t.DailyLimit, &t.DailyUsed, &t.Day,
		&t.MaxGasPerSession, &t.Mode, &t.UpdatedAt)
	return t, err
}

func (p *PostgresStore) EnsureTank(ctx context.Context, initial *Tank) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO paymaster_tank (id, balance, min_reserve, daily_limit, daily_used, day, max_gas_per_session, mode, updated_at)
		VALUES (1, $1::NUMERIC(78,0), $2::NUMERIC(78,0), $3::NUMERIC(78,0), 0, $4, $5::NUMERIC(78,0), $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, initial.Balance, initial.MinReserve, initial.DailyLimit, initial.Day, initial.MaxGasPerSession,
		int(initial.Mode), initial.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create tank: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO paymaster_metrics (id, revenue, total_gas, total_value, session_count)
		VALUES (1, 0, 0, 0, 0)
		ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session, events []*Event) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO paymaster_sessions (id, user_address, gateway_address, active, payment_token,
			payment_amount, session_value, gas_used, started_at)
		VALUES ($1, $2, $3, TRUE, $4, $5::NUMERIC(78,0), $6::NUMERIC(78,0), 0, $7)
	`, s.ID, s.User, s.Gateway, s.PaymentToken, s.PaymentAmount, s.SessionValue, s.StartedAt)
	if isUniqueViolation(err) {
		// paymaster_sessions_one_active_per_user
		return ErrSessionAlreadyActive
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM paymaster_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) GetActiveSession(ctx context.Context, user string) (*Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM paymaster_sessions WHERE user_address = $1 AND active`, user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSessions(ctx context.Context, user string, limit int, opts ...ListOption) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	o := applyListOpts(opts)
	var (
		after   sql.NullTime
		afterID string
	)
	if o.cursor != nil {
		after = sql.NullTime{Time: o.cursor.CreatedAt, Valid: true}
		afterID = o.cursor.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM paymaster_sessions
		WHERE ($1 = '' OR user_address = $1)
		  AND ($3::TIMESTAMPTZ IS NULL OR (started_at, id) < ($3, $4))
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, user, limit, after, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordGas(ctx context.Context, id string, amount *big.Int, day int64) (*Session, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := lockSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	tank, err := lockTank(ctx, tx)
	if err != nil {
		return nil, err
	}

	gas, ok := units.Add(units.OrZero(s.GasUsed), amount)
	if !ok || gas.Cmp(units.OrZero(tank.MaxGasPerSession)) > 0 {
		return nil, ErrGasExceedsSessionLimit
	}
	daily, ok := units.Add(tank.UsedOn(day), amount)
	if !ok || daily.Cmp(units.OrZero(tank.DailyLimit)) > 0 {
		return nil, ErrDailyLimitExceeded
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE paymaster_sessions SET gas_used = $2::NUMERIC(78,0) WHERE id = $1`, id, gas.String()); err != nil {
		return nil, fmt.Errorf("failed to update session gas: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE paymaster_tank SET daily_used = $1::NUMERIC(78,0), day = $2 WHERE id = 1`, daily.String(), day); err != nil {
		return nil, fmt.Errorf("failed to update daily usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.GasUsed = gas.String()
	return s, nil
}

func (p *PostgresStore) SettleSession(ctx context.Context, id string, sp SettleParams) (*Settled, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := lockSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	tank, err := lockTank(ctx, tx)
	if err != nil {
		return nil, err
	}

	out, err := price(s, sp)
	if err != nil {
		return nil, err
	}

	gas := out.GasUsed
	balance := new(big.Int).Sub(units.OrZero(tank.Balance), gas)
	if balance.Sign() < 0 || balance.Cmp(units.OrZero(tank.MinReserve)) < 0 {
		return nil, ErrInsufficientLGUBalance
	}
	tank.Roll(sp.Day)
	tank.Balance = balance.String()
	tank.UpdatedAt = sp.EndedAt

	if _, err := tx.ExecContext(ctx, `
		UPDATE paymaster_tank SET balance = $1::NUMERIC(78,0), daily_used = $2::NUMERIC(78,0), day = $3, updated_at = $4
		WHERE id = 1
	`, tank.Balance, tank.DailyUsed, tank.Day, tank.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to draw tank: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE paymaster_sessions SET active = FALSE, fee = $2::NUMERIC(78,0), ended_at = $3
		WHERE id = $1
	`, id, out.Fee.String(), sp.EndedAt); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE paymaster_metrics SET
			revenue       = revenue + $1::NUMERIC(78,0),
			total_gas     = total_gas + $2::NUMERIC(78,0),
			total_value   = total_value + $3::NUMERIC(78,0),
			session_count = session_count + 1
		WHERE id = 1
	`, out.Fee.String(), gas.String(), s.SessionValue)
	if isCheckViolation(err) {
		return nil, ErrAmountOverflow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update metrics: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO paymaster_user_metrics (user_address, total_lgu_used, session_count)
		VALUES ($1, $2::NUMERIC(78,0), 1)
		ON CONFLICT (user_address) DO UPDATE SET
			total_lgu_used = paymaster_user_metrics.total_lgu_used + EXCLUDED.total_lgu_used,
			session_count  = paymaster_user_metrics.session_count + 1
	`, s.User, gas.String())
	if isCheckViolation(err) {
		return nil, ErrAmountOverflow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user metrics: %w", err)
	}
	if err := insertEvents(ctx, tx, out.Events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	endedAt := sp.EndedAt
	s.Active = false
	s.Fee = out.Fee.String()
	s.EndedAt = &endedAt
	out.Session = s
	out.Tank = tank
	return out, nil
}

func (p *PostgresStore) GetTank(ctx context.Context, day int64) (*Tank, error) {
	t, err := scanTank(p.db.QueryRowContext(ctx, `SELECT `+tankColumns+` FROM paymaster_tank WHERE id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTankMissing
	}
	if err != nil {
		return nil, err
	}
	t.Roll(day)
	return t, nil
}

func (p *PostgresStore) SetTankParams(ctx context.Context, minReserve, dailyLimit, maxGas *big.Int, at time.Time) (*Tank, error) {
	return p.updateTank(ctx, `
		UPDATE paymaster_tank SET min_reserve = $1::NUMERIC(78,0), daily_limit = $2::NUMERIC(78,0),
			max_gas_per_session = $3::NUMERIC(78,0), updated_at = $4
		WHERE id = 1
		RETURNING `+tankColumns, minReserve.String(), dailyLimit.String(), maxGas.String(), at)
}

func (p *PostgresStore) SetMode(ctx context.Context, mode Mode, at time.Time) (*Tank, error) {
	return p.updateTank(ctx, `
		UPDATE paymaster_tank SET mode = $1, updated_at = $2 WHERE id = 1
		RETURNING `+tankColumns, int(mode), at)
}

func (p *PostgresStore) TopUp(ctx context.Context, amount *big.Int, at time.Time) (*Tank, error) {
	t, err := p.updateTank(ctx, `
		UPDATE paymaster_tank SET balance = balance + $1::NUMERIC(78,0), updated_at = $2 WHERE id = 1
		RETURNING `+tankColumns, amount.String(), at)
	if isCheckViolation(err) {
		return nil, ErrAmountOverflow
	}
	return t, err
}

func (p *PostgresStore) updateTank(ctx context.Context, query string, args ...any) (*Tank, error) {
	t, err := scanTank(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTankMissing
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) RollDay(ctx context.Context, day int64) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE paymaster_tank SET daily_used = 0, day = $1 WHERE id = 1 AND day <> $1`, day)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) GetMetrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{}
	err := p.db.QueryRowContext(ctx, `
		SELECT revenue::TEXT, total_gas::TEXT, total_value::TEXT, session_count
		FROM paymaster_metrics WHERE id = 1
	`).Scan(&m.Revenue, &m.TotalGas, &m.TotalValue, &m.SessionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &Metrics{Revenue: "0", TotalGas: "0", TotalValue: "0"}, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *PostgresStore) GetUserMetrics(ctx context.Context, user string) (*UserMetrics, error) {
	um := &UserMetrics{User: user}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_lgu_used::TEXT, session_count FROM paymaster_user_metrics WHERE user_address = $1
	`, user).Scan(&um.TotalLGUUsed, &um.SessionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserMetrics{User: user, TotalLGUUsed: "0"}, nil
	}
	if err != nil {
		return nil, err
	}
	return um, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, afterID int64, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, session_id, payload, created_at FROM paymaster_events
		WHERE id > $1 ORDER BY id LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Event{}
	for rows.Next() {
		ev := &Event{}
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.SessionID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", ev.ID, err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func lockSession(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM paymaster_sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSessionNotActive
	}
	return s, nil
}

func lockTank(ctx context.Context, tx *sql.Tx) (*Tank, error) {
	t, err := scanTank(tx.QueryRowContext(ctx, `SELECT `+tankColumns+` FROM paymaster_tank WHERE id = 1 FOR UPDATE`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTankMissing
	}
	return t, err
}

// insertEvents appends to the outbox and writes the assigned IDs back.
func insertEvents(ctx context.Context, tx *sql.Tx, events []*Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO paymaster_events (type, session_id, payload, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, string(ev.Type), ev.SessionID, payload, ev.CreatedAt).Scan(&ev.ID); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isCheckViolation reports SQLSTATE 23514.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
