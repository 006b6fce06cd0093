package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Open opens a pooled connection.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Postgres persists events and backup records.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// CreateTables creates the orchestrator schema.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS failover_events (
			id           VARCHAR(64) PRIMARY KEY,
			environment  VARCHAR(255) NOT NULL,
			reason       VARCHAR(255) NOT NULL,
			from_region  VARCHAR(255) NOT NULL,
			to_region    VARCHAR(255) NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			outcome      VARCHAR(32) NOT NULL DEFAULT 'pending',
			rpo_achieved_ms BIGINT NOT NULL DEFAULT 0,
			rto_achieved_ms BIGINT NOT NULL DEFAULT 0,
			detail       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS backup_records (
			backup_id   VARCHAR(255) NOT NULL,
			taken_at    TIMESTAMPTZ NOT NULL,
			verified_at TIMESTAMPTZ NOT NULL,
			verified    BOOLEAN NOT NULL,
			checksum    VARCHAR(128) NOT NULL,
			detail      TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	return nil
}

// CreateEvent implements EventStore.
func (p *Postgres) CreateEvent(ctx context.Context, ev *FailoverEvent) error {
	if ev.Outcome == "" {
		ev.Outcome = OutcomePending
	}
	query := `
		INSERT INTO failover_events (id, environment, reason, from_region, to_region, started_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.ExecContext(ctx, query,
		ev.ID, ev.Environment, ev.Reason, ev.FromRegion, ev.ToRegion, ev.StartedAt, string(ev.Outcome))
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// FinalizeEvent implements EventStore. The WHERE clause guards the
// append-only invariant: a finalized event can never change.
func (p *Postgres) FinalizeEvent(ctx context.Context, id string, outcome Outcome, rpo, rto time.Duration, detail string, completedAt time.Time) error {
	query := `
		UPDATE failover_events
		SET outcome = $2, rpo_achieved_ms = $3, rto_achieved_ms = $4, detail = $5, completed_at = $6
		WHERE id = $1 AND outcome = 'pending'`

	res, err := p.db.ExecContext(ctx, query,
		id, string(outcome), rpo.Milliseconds(), rto.Milliseconds(), detail, completedAt)
	if err != nil {
		return fmt.Errorf("store: finalize event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: finalize event: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM failover_events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("store: finalize event: %w", err)
		}
		if exists {
			return ErrEventFinalized
		}
		return ErrEventNotFound
	}
	return nil
}

// ListEvents implements EventStore.
func (p *Postgres) ListEvents(ctx context.Context, limit int) ([]FailoverEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, environment, reason, from_region, to_region, started_at, completed_at,
		       outcome, rpo_achieved_ms, rto_achieved_ms, detail
		FROM failover_events
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailoverEvent
	for rows.Next() {
		var (
			ev          FailoverEvent
			completedAt sql.NullTime
			rpoMs       int64
			rtoMs       int64
			outcome     string
		)
		err := rows.Scan(&ev.ID, &ev.Environment, &ev.Reason, &ev.FromRegion, &ev.ToRegion,
			&ev.StartedAt, &completedAt, &outcome, &rpoMs, &rtoMs, &ev.Detail)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Outcome = Outcome(outcome)
		ev.RPOAchieved = time.Duration(rpoMs) * time.Millisecond
		ev.RTOAchieved = time.Duration(rtoMs) * time.Millisecond
		if completedAt.Valid {
			t := completedAt.Time
			ev.CompletedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PendingEvent implements EventStore.
func (p *Postgres) PendingEvent(ctx context.Context, environment string) (*FailoverEvent, error) {
	query := `
		SELECT id, environment, reason, from_region, to_region, started_at
		FROM failover_events
		WHERE environment = $1 AND outcome = 'pending'
		ORDER BY started_at DESC
		LIMIT 1`

	ev := FailoverEvent{Outcome: OutcomePending}
	err := p.db.QueryRowContext(ctx, query, environment).
		Scan(&ev.ID, &ev.Environment, &ev.Reason, &ev.FromRegion, &ev.ToRegion, &ev.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pending event: %w", err)
	}
	return &ev, nil
}

// SaveBackupRecord implements BackupStore.
func (p *Postgres) SaveBackupRecord(ctx context.Context, rec BackupRecord) error {
	query := `
		INSERT INTO backup_records (backup_id, taken_at, verified_at, verified, checksum, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, query,
		rec.BackupID, rec.TakenAt, rec.VerifiedAt, rec.Verified, rec.Checksum, rec.Detail)
	if err != nil {
		return fmt.Errorf("store: insert backup record: %w", err)
	}
	return nil
}

// ListBackupRecords implements BackupStore.
func (p *Postgres) ListBackupRecords(ctx context.Context, limit int) ([]BackupRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT backup_id, taken_at, verified_at, verified, checksum, detail
		FROM backup_records
		ORDER BY verified_at DESC
		LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list backup records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BackupRecord
	for rows.Next() {
		var rec BackupRecord
		err := rows.Scan(&rec.BackupID, &rec.TakenAt, &rec.VerifiedAt, &rec.Verified, &rec.Checksum, &rec.Detail)
		if err != nil {
			return nil, fmt.Errorf("store: scan backup record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
