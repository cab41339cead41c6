package gateway

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"
)

// PostgresStore persists gateway profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gateway store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const profileColumns = `address, daily_limit::TEXT, daily_used::TEXT, day, allowed, metadata_uri, ops_per_hour, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(&p.Address, &p.DailyLimit, &p.DailyUsed, &p.Day, &p.Allowed, &p.MetadataURI, &p.OpsPerHour, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Put inserts a profile or updates its limits, keeping the usage counter.
// The conflict update is skipped when today's usage exceeds the new limit.
func (p *PostgresStore) Put(ctx context.Context, prof *Profile) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_profiles (address, daily_limit, daily_used, day, allowed, metadata_uri, ops_per_hour, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), 0, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (address) DO UPDATE SET
			daily_limit  = EXCLUDED.daily_limit,
			allowed      = EXCLUDED.allowed,
			metadata_uri = EXCLUDED.metadata_uri,
			ops_per_hour = EXCLUDED.ops_per_hour,
			updated_at   = EXCLUDED.updated_at
		WHERE gateway_profiles.day <> EXCLUDED.day OR gateway_profiles.daily_used <= EXCLUDED.daily_limit
	`, prof.Address, prof.DailyLimit, prof.Day, prof.Allowed, prof.MetadataURI, prof.OpsPerHour, prof.CreatedAt, prof.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLimitBelowUsage
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Profile, error) {
	prof, err := scanProfile(p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM gateway_profiles WHERE address = $1`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return prof, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM gateway_profiles ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prof)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetAllowed(ctx context.Context, address string, allowed bool, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE gateway_profiles SET allowed = $2, updated_at = $3 WHERE address = $1`, address, allowed, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ConsumeQuota performs the day roll, limit check and increment in a single
// conditional UPDATE so concurrent callers cannot overshoot the limit.
func (p *PostgresStore) ConsumeQuota(ctx context.Context, address string, amount *big.Int, day int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gateway_profiles SET
			daily_used = (CASE WHEN day = $3 THEN daily_used ELSE 0 END) + $2::NUMERIC(78,0),
			day        = $3
		WHERE address = $1
		  AND (CASE WHEN day = $3 THEN daily_used ELSE 0 END) + $2::NUMERIC(78,0) <= daily_limit
	`, address, amount.String(), day)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM gateway_profiles WHERE address = $1)`, address).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrQuotaExceeded
}

func (p *PostgresStore) ReleaseQuota(ctx context.Context, address string, amount *big.Int, day int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE gateway_profiles SET daily_used = GREATEST(daily_used - $2::NUMERIC(78,0), 0)
		WHERE address = $1 AND day = $3
	`, address, amount.String(), day)
	return err
}

func (p *PostgresStore) ResetDaily(ctx context.Context, day int64) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE gateway_profiles SET daily_used = 0, day = $1 WHERE day <> $1`, day)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
