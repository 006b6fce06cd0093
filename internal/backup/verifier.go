package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/metrics"
	"github.com/FairForge/sentinel/internal/notify"
	"github.com/FairForge/sentinel/internal/store"
)

const historySize = 10

// Announcer publishes verification failures to operators.
type Announcer interface {
	Dispatch(ctx context.Context, event *notify.Event)
}

// Config controls the verification schedule.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns verification defaults.
func DefaultConfig() Config {
	return Config{Interval: 6 * time.Hour}
}

// Verifier restores the newest backup into a scratch target and
// compares checksums. Results are advisory: a failed verification is
// surfaced to decisions and operators but never blocks a failover on
// its own.
type Verifier struct {
	source  Source
	target  ScratchTarget
	records store.BackupStore
	config  Config
	logger  *zap.Logger

	mu          sync.RWMutex
	history     []store.BackupRecord
	lastID      string
	announcer   Announcer
	environment string

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewVerifier creates a verifier over the given source and scratch target.
func NewVerifier(src Source, target ScratchTarget, records store.BackupStore, cfg Config, logger *zap.Logger) *Verifier {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Verifier{
		source:  src,
		target:  target,
		records: records,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetClock overrides the clock for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.mu.Lock()
	v.now = now
	v.mu.Unlock()
}

// SetAnnouncer routes verification failures to the operator notifier.
func (v *Verifier) SetAnnouncer(a Announcer, environment string) {
	v.mu.Lock()
	v.announcer = a
	v.environment = environment
	v.mu.Unlock()
}

// VerifyLatest runs one verification cycle. Re-verifying an unchanged
// backup produces the same record without duplicating history.
func (v *Verifier) VerifyLatest(ctx context.Context) (store.BackupRecord, error) {
	b, body, err := v.source.Latest(ctx)
	if err != nil {
		return store.BackupRecord{}, err
	}
	defer func() { _ = body.Close() }()

	v.mu.RLock()
	lastID := v.lastID
	var last store.BackupRecord
	if n := len(v.history); n > 0 {
		last = v.history[n-1]
	}
	v.mu.RUnlock()

	if b.ID == lastID {
		v.logger.Debug("backup unchanged, skipping restore",
			zap.String("backup_id", b.ID))
		return last, nil
	}

	got, err := v.target.Restore(ctx, b.ID, body)
	rec := store.BackupRecord{
		BackupID:   b.ID,
		TakenAt:    b.TakenAt,
		VerifiedAt: v.clock()(),
		Checksum:   b.Checksum,
	}
	switch {
	case err != nil:
		rec.Detail = err.Error()
	case got != b.Checksum:
		rec.Detail = fmt.Sprintf("checksum mismatch: manifest %s, restored %s", b.Checksum, got)
	default:
		rec.Verified = true
	}

	v.record(ctx, rec)
	metrics.RecordBackupVerification(rec.Verified)

	if !rec.Verified {
		v.logger.Warn("backup verification failed",
			zap.String("backup_id", b.ID),
			zap.String("detail", rec.Detail))

		v.mu.RLock()
		announcer, env := v.announcer, v.environment
		v.mu.RUnlock()
		if announcer != nil {
			announcer.Dispatch(ctx, notify.NewEvent(notify.EventBackupUntrusted, env, map[string]any{
				"backup_id": b.ID,
				"detail":    rec.Detail,
			}))
		}
		return rec, fmt.Errorf("backup: verify %s: %s", b.ID, rec.Detail)
	}

	v.logger.Info("backup verified",
		zap.String("backup_id", b.ID),
		zap.Time("taken_at", b.TakenAt))
	return rec, nil
}

// Trustworthy reports whether the most recent verification succeeded.
// Before the first run it reports true: the flag downgrades trust, it
// never certifies.
func (v *Verifier) Trustworthy() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.history) == 0 {
		return true
	}
	return v.history[len(v.history)-1].Verified
}

// History returns the retained verification records, oldest first.
func (v *Verifier) History() []store.BackupRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]store.BackupRecord, len(v.history))
	copy(out, v.history)
	return out
}

// Start begins the verification loop.
func (v *Verifier) Start(ctx context.Context) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.config.Interval)
		defer ticker.Stop()

		if _, err := v.VerifyLatest(ctx); err != nil {
			v.logger.Warn("initial backup verification failed", zap.Error(err))
		}

		for {
			select {
			case <-v.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := v.VerifyLatest(ctx); err != nil {
					v.logger.Warn("backup verification failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the verification loop and waits for it to exit.
func (v *Verifier) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

func (v *Verifier) record(ctx context.Context, rec store.BackupRecord) {
	v.mu.Lock()
	v.history = append(v.history, rec)
	if len(v.history) > historySize {
		v.history = v.history[len(v.history)-historySize:]
	}
	v.lastID = rec.BackupID
	v.mu.Unlock()

	if v.records != nil {
		if err := v.records.SaveBackupRecord(ctx, rec); err != nil {
			v.logger.Error("persist backup record failed",
				zap.String("backup_id", rec.BackupID), zap.Error(err))
		}
	}
}

func (v *Verifier) clock() func() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now
}
