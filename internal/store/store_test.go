package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *FailoverEvent {
	return &FailoverEvent{
		ID:          "ev-1",
		Environment: "prod",
		Reason:      "primary_health_degraded",
		FromRegion:  "us-east",
		ToRegion:    "us-west",
		StartedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemory_EventLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ev := testEvent()
	require.NoError(t, m.CreateEvent(ctx, ev))

	pending, err := m.PendingEvent(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "ev-1", pending.ID)
	assert.Equal(t, OutcomePending, pending.Outcome)

	done := ev.StartedAt.Add(45 * time.Second)
	require.NoError(t, m.FinalizeEvent(ctx, "ev-1", OutcomeSucceeded, 2*time.Second, 45*time.Second, "", done))

	// Append-only: a second finalize is refused.
	err = m.FinalizeEvent(ctx, "ev-1", OutcomeFailed, 0, 0, "", done)
	assert.ErrorIs(t, err, ErrEventFinalized)

	// Unknown event.
	err = m.FinalizeEvent(ctx, "nope", OutcomeFailed, 0, 0, "", done)
	assert.ErrorIs(t, err, ErrEventNotFound)

	pending, err = m.PendingEvent(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, pending)

	events, err := m.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeSucceeded, events[0].Outcome)
	assert.Equal(t, 45*time.Second, events[0].RTOAchieved)
	require.NotNil(t, events[0].CompletedAt)
}

func TestMemory_ListEventsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		ev := testEvent()
		ev.ID = id
		ev.StartedAt = ev.StartedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.CreateEvent(ctx, ev))
	}

	events, err := m.ListEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestMemory_BackupRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := BackupRecord{
			BackupID:   string(rune('a' + i)),
			VerifiedAt: time.Now(),
			Verified:   true,
			Checksum:   "abc",
		}
		require.NoError(t, m.SaveBackupRecord(ctx, rec))
	}

	recs, err := m.ListBackupRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].BackupID)
}

func TestPostgres_CreateEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewPostgres(db)
	ev := testEvent()

	mock.ExpectExec("INSERT INTO failover_events").
		WithArgs(ev.ID, ev.Environment, ev.Reason, ev.FromRegion, ev.ToRegion, ev.StartedAt, "pending").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, p.CreateEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinalizeEvent(t *testing.T) {
	t.Run("finalizes pending event", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		p := NewPostgres(db)
		done := time.Now()

		mock.ExpectExec("UPDATE failover_events").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = p.FinalizeEvent(context.Background(), "ev-1", OutcomeSucceeded, 2*time.Second, 45*time.Second, "", done)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already finalized", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		p := NewPostgres(db)

		mock.ExpectExec("UPDATE failover_events").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("ev-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err = p.FinalizeEvent(context.Background(), "ev-1", OutcomeFailed, 0, 0, "", time.Now())
		assert.ErrorIs(t, err, ErrEventFinalized)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		p := NewPostgres(db)

		mock.ExpectExec("UPDATE failover_events").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("ev-9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err = p.FinalizeEvent(context.Background(), "ev-9", OutcomeFailed, 0, 0, "", time.Now())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestPostgres_ListEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewPostgres(db)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(45 * time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "environment", "reason", "from_region", "to_region",
		"started_at", "completed_at", "outcome", "rpo_achieved_ms", "rto_achieved_ms", "detail",
	}).AddRow("ev-1", "prod", "primary_unreachable", "us-east", "us-west",
		started, completed, "succeeded", int64(2000), int64(45000), "")

	mock.ExpectQuery("SELECT (.+) FROM failover_events").
		WithArgs(5).
		WillReturnRows(rows)

	events, err := p.ListEvents(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeSucceeded, events[0].Outcome)
	assert.Equal(t, 2*time.Second, events[0].RPOAchieved)
	require.NotNil(t, events[0].CompletedAt)
	assert.Equal(t, completed, *events[0].CompletedAt)
}

func TestPostgres_PendingEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewPostgres(db)

	t.Run("none pending", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM failover_events").
			WithArgs("prod").
			WillReturnRows(sqlmock.NewRows([]string{"id", "environment", "reason", "from_region", "to_region", "started_at"}))

		ev, err := p.PendingEvent(context.Background(), "prod")
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("one pending", func(t *testing.T) {
		started := time.Now()
		mock.ExpectQuery("SELECT (.+) FROM failover_events").
			WithArgs("prod").
			WillReturnRows(sqlmock.NewRows([]string{"id", "environment", "reason", "from_region", "to_region", "started_at"}).
				AddRow("ev-7", "prod", "primary_unreachable", "us-east", "us-west", started))

		ev, err := p.PendingEvent(context.Background(), "prod")
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "ev-7", ev.ID)
		assert.Equal(t, OutcomePending, ev.Outcome)
	})
}

func TestPostgres_BackupRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewPostgres(db)
	rec := BackupRecord{
		BackupID:   "bk-1",
		TakenAt:    time.Now().Add(-time.Hour),
		VerifiedAt: time.Now(),
		Verified:   true,
		Checksum:   "deadbeef",
	}

	mock.ExpectExec("INSERT INTO backup_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.SaveBackupRecord(context.Background(), rec))

	mock.ExpectQuery("SELECT (.+) FROM backup_records").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"backup_id", "taken_at", "verified_at", "verified", "checksum", "detail"}).
			AddRow(rec.BackupID, rec.TakenAt, rec.VerifiedAt, rec.Verified, rec.Checksum, ""))

	recs, err := p.ListBackupRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Verified)
}
