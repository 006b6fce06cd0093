// Package store persists failover events and backup verification
// history so they survive controller restarts.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is the terminal result of a failover attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// ErrEventFinalized means a second finalize was attempted; events are
// append-only once their outcome is set.
var ErrEventFinalized = errors.New("store: event already finalized")

// ErrEventNotFound means no event exists with the given id.
var ErrEventNotFound = errors.New("store: event not found")

// FailoverEvent is the audit record of one failover attempt. Created
// when execution begins, finalized exactly once at a terminal outcome.
type FailoverEvent struct {
	ID          string        `json:"id"`
	Environment string        `json:"environment"`
	Reason      string        `json:"reason"`
	FromRegion  string        `json:"from_region"`
	ToRegion    string        `json:"to_region"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	RPOAchieved time.Duration `json:"rpo_achieved"` // data-loss estimate
	RTOAchieved time.Duration `json:"rto_achieved"` // downtime duration
	Detail      string        `json:"detail,omitempty"`
}

// BackupRecord is the result of one backup verification run.
type BackupRecord struct {
	BackupID   string    `json:"backup_id"`
	TakenAt    time.Time `json:"taken_at"`
	VerifiedAt time.Time `json:"verified_at"`
	Verified   bool      `json:"verified"`
	Checksum   string    `json:"checksum"`
	Detail     string    `json:"detail,omitempty"`
}

// EventStore persists failover events.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *FailoverEvent) error

	// FinalizeEvent sets the terminal outcome exactly once.
	FinalizeEvent(ctx context.Context, id string, outcome Outcome, rpo, rto time.Duration, detail string, completedAt time.Time) error

	// ListEvents returns the most recent events, newest first.
	ListEvents(ctx context.Context, limit int) ([]FailoverEvent, error)

	// PendingEvent returns the unfinalized event for an environment,
	// if one exists. Used by startup crash recovery.
	PendingEvent(ctx context.Context, environment string) (*FailoverEvent, error)
}

// BackupStore persists backup verification history.
type BackupStore interface {
	SaveBackupRecord(ctx context.Context, rec BackupRecord) error
	ListBackupRecords(ctx context.Context, limit int) ([]BackupRecord, error)
}

// Memory implements EventStore and BackupStore in process, for tests
// and dry runs.
type Memory struct {
	mu      sync.RWMutex
	events  []FailoverEvent
	backups []BackupRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// CreateEvent implements EventStore.
func (m *Memory) CreateEvent(_ context.Context, ev *FailoverEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Outcome == "" {
		ev.Outcome = OutcomePending
	}
	m.events = append(m.events, *ev)
	return nil
}

// FinalizeEvent implements EventStore.
func (m *Memory) FinalizeEvent(_ context.Context, id string, outcome Outcome, rpo, rto time.Duration, detail string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].ID != id {
			continue
		}
		if m.events[i].Outcome != OutcomePending {
			return ErrEventFinalized
		}
		m.events[i].Outcome = outcome
		m.events[i].RPOAchieved = rpo
		m.events[i].RTOAchieved = rto
		m.events[i].Detail = detail
		t := completedAt
		m.events[i].CompletedAt = &t
		return nil
	}
	return ErrEventNotFound
}

// ListEvents implements EventStore.
func (m *Memory) ListEvents(_ context.Context, limit int) ([]FailoverEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FailoverEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// PendingEvent implements EventStore.
func (m *Memory) PendingEvent(_ context.Context, environment string) (*FailoverEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Environment == environment && m.events[i].Outcome == OutcomePending {
			ev := m.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

// SaveBackupRecord implements BackupStore.
func (m *Memory) SaveBackupRecord(_ context.Context, rec BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, rec)
	return nil
}

// ListBackupRecords implements BackupStore.
func (m *Memory) ListBackupRecords(_ context.Context, limit int) ([]BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BackupRecord, 0, limit)
	for i := len(m.backups) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.backups[i])
	}
	return out, nil
}
