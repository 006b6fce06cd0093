package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists leases so they survive controller restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTables creates the lease schema.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS leases (
		environment VARCHAR(255) PRIMARY KEY,
		holder      VARCHAR(255) NOT NULL,
		token       VARCHAR(64) NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("lease: create table: %w", err)
	}
	return nil
}

// Acquire implements Store. The insert-or-takeover is a single
// statement so concurrent acquirers serialize on the row: exactly one
// wins, the rest see ErrLeaseUnavailable. A holder may take over its
// own unexpired lease, so a restarted controller does not wait out its
// previous incarnation's TTL.
func (s *PostgresStore) Acquire(ctx context.Context, environment, holder string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()

	query := `
		INSERT INTO leases (environment, holder, token, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + ($4 * interval '1 second'))
		ON CONFLICT (environment) DO UPDATE
		SET holder = EXCLUDED.holder,
		    token = EXCLUDED.token,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at <= now() OR leases.holder = EXCLUDED.holder
		RETURNING acquired_at, expires_at`

	var acquiredAt, expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, environment, holder, token, ttl.Seconds()).
		Scan(&acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrLeaseUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("lease: acquire: %w", err)
	}

	return &Lease{
		Environment: environment,
		Holder:      holder,
		Token:       token,
		AcquiredAt:  acquiredAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// Renew implements Store.
func (s *PostgresStore) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	query := `
		UPDATE leases
		SET expires_at = now() + ($3 * interval '1 second')
		WHERE environment = $1 AND token = $2 AND expires_at > now()
		RETURNING expires_at`

	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, l.Environment, l.Token, ttl.Seconds()).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("lease: renew: %w", err)
	}
	l.ExpiresAt = expiresAt
	return nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, l *Lease) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE environment = $1 AND token = $2`,
		l.Environment, l.Token)
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Current implements Store.
func (s *PostgresStore) Current(ctx context.Context, environment string) (*Lease, error) {
	query := `
		SELECT holder, token, acquired_at, expires_at
		FROM leases
		WHERE environment = $1 AND expires_at > now()`

	l := &Lease{Environment: environment}
	err := s.db.QueryRowContext(ctx, query, environment).
		Scan(&l.Holder, &l.Token, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: current: %w", err)
	}
	return l, nil
}
