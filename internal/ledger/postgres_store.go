package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore persists custody balances in PostgreSQL. Balances are
// NUMERIC(78,0) with CHECK constraints for 0 <= amount <= 2^256-1.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Credit(ctx context.Context, account, token string, amount *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertCredit(ctx, tx, account, token, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, account, token, KindCredit, amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Transfer(ctx context.Context, from, to, token string, amount *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Debit only succeeds when the row exists and covers the amount.
	result, err := tx.ExecContext(ctx, `
		UPDATE token_balances SET
			amount     = amount - $3::NUMERIC(78,0),
			updated_at = NOW()
		WHERE account = $1 AND token = $2 AND amount >= $3::NUMERIC(78,0)
	`, from, token, amount.String())
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := upsertCredit(ctx, tx, to, token, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, from, token, KindDebit, amount, to, reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, to, token, KindCredit, amount, from, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM token_balances WHERE account = $1 AND token = $2
	`, account, token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt balance %q for %s/%s", raw, account, token)
	}
	return v, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account, token, amount::TEXT, updated_at
		FROM token_balances
		WHERE account = $1
		ORDER BY token
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.Account, &b.Token, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, token, kind, amount::TEXT, COALESCE(counterparty, ''), COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Token, &e.Kind, &e.Amount, &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func upsertCredit(ctx context.Context, tx *sql.Tx, account, token string, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (account, token, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), NOW())
		ON CONFLICT (account, token) DO UPDATE SET
			amount     = token_balances.amount + $3::NUMERIC(78,0),
			updated_at = NOW()
	`, account, token, amount.String())
	if err != nil {
		if isCheckViolation(err) {
			return ErrBalanceOverflow
		}
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, token, kind string, amount *big.Int, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account, token, kind, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, account, token, kind, amount.String(), counterparty, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// isCheckViolation reports a CHECK constraint failure (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
