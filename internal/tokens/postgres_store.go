package tokens

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists supported tokens in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Put(ctx context.Context, token *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO supported_tokens (address, symbol, decimals, price, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5)
		ON CONFLICT (address) DO UPDATE SET
			symbol   = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			price    = EXCLUDED.price
	`, token.Address, token.Symbol, token.Decimals, token.Price, token.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Token, error) {
	t := &Token{}
	err := p.db.QueryRowContext(ctx, `
		SELECT address, symbol, decimals, price::TEXT, created_at
		FROM supported_tokens WHERE address = $1
	`, address).Scan(&t.Address, &t.Symbol, &t.Decimals, &t.Price, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnsupportedToken
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Delete(ctx context.Context, address string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM supported_tokens WHERE address = $1`, address)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUnsupportedToken
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Token, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, symbol, decimals, price::TEXT, created_at
		FROM supported_tokens
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Token
	for rows.Next() {
		t := &Token{}
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Decimals, &t.Price, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
