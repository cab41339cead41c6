package subscription

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, user string) (*Subscription, error) {
	s := &Subscription{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_address, tier, expires_at, source, updated_at
		FROM subscriptions WHERE user_address = $1
	`, user).Scan(&s.User, &s.Tier, &s.ExpiresAt, &s.Source, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Put(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_address, tier, expires_at, source, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_address) DO UPDATE SET
			tier       = EXCLUDED.tier,
			expires_at = EXCLUDED.expires_at,
			source     = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
	`, sub.User, int(sub.Tier), sub.ExpiresAt, sub.Source, sub.UpdatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_address, tier, expires_at, source, updated_at
		FROM subscriptions
		ORDER BY expires_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		s := &Subscription{}
		if err := rows.Scan(&s.User, &s.Tier, &s.ExpiresAt, &s.Source, &s.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
