// Package coordinator runs the failover control loop. It assembles the
// decision snapshot from the health aggregator, replication monitor and
// backup verifier, drives the decision engine, and executes failovers
// under the environment lease.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/decision"
	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/lease"
	"github.com/FairForge/sentinel/internal/metrics"
	"github.com/FairForge/sentinel/internal/notify"
	"github.com/FairForge/sentinel/internal/promote"
	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/replication"
	"github.com/FairForge/sentinel/internal/route"
	"github.com/FairForge/sentinel/internal/rto"
	"github.com/FairForge/sentinel/internal/store"
)

// HealthView is the aggregator surface the coordinator consumes.
type HealthView interface {
	StateOf(region string) health.State
	Score(region string) float64
	LastSuccess(region string) time.Time
	FailStreak(region string) int
	Tick()
}

// ReplicationView is the replication monitor surface the coordinator
// consumes.
type ReplicationView interface {
	StateOf(region string) replication.StandbyState
	WithinBudget(region string, budget time.Duration) bool
	SetInstances(instances []replication.Instance)
}

// BackupView reports whether the latest backup verification passed.
type BackupView interface {
	Trustworthy() bool
}

// Announcer fans orchestration events out to operators.
type Announcer interface {
	Dispatch(ctx context.Context, event *notify.Event)
}

// ReadWriteChecker runs the synthetic write/read check against the new
// primary before a failover is declared complete.
type ReadWriteChecker interface {
	Check(ctx context.Context, endpoint string) error
}

// Reattacher rejoins a recovered region's database as a replica.
type Reattacher interface {
	Reattach(ctx context.Context, recovered region.Region, primaryInstanceID string) error
}

// Config holds control-loop parameters.
type Config struct {
	Environment string `yaml:"environment"`
	// Holder identifies this controller instance in lease records.
	Holder string `yaml:"holder"`

	TickInterval time.Duration `yaml:"tick_interval"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`

	// ReachabilityHorizon bounds how stale the last successful probe
	// may be before the primary counts as unreachable.
	ReachabilityHorizon time.Duration `yaml:"reachability_horizon"`

	// CriticalDependencies are probe names whose collective failure
	// triggers a failover even while the region endpoint still answers.
	CriticalDependencies []string `yaml:"critical_dependencies"`
}

// DefaultConfig returns control-loop defaults.
func DefaultConfig() Config {
	return Config{
		Environment:         "production",
		TickInterval:        5 * time.Second,
		LeaseTTL:            30 * time.Second,
		ReachabilityHorizon: 30 * time.Second,
	}
}

// Coordinator owns one environment's failover lifecycle.
type Coordinator struct {
	config   Config
	registry *region.Registry
	healthV  HealthView
	replV    ReplicationView
	engine   *decision.Engine
	leases   lease.Store
	events   store.EventStore
	promoter promote.Promoter
	router   route.Router
	tracker  replication.Tracker
	backups  BackupView
	checker  ReadWriteChecker
	reattach Reattacher
	notifier Announcer
	rto      *rto.Tracker
	logger   *zap.Logger

	mu          sync.Mutex
	now         func() time.Time
	suspectedAt time.Time // when the current episode entered suspect
	failedFrom  string    // old primary while failed over
	policyAbort *decision.Transition
	lastHealth  map[string]health.State
	rtoBreached bool // EventRTOBudgetExceeded sent for the in-flight attempt

	// startupSettled flips once recoverStartup has settled any attempt
	// left over from a previous process. Loop goroutine only.
	startupSettled bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Registry    *region.Registry
	Health      HealthView
	Replication ReplicationView
	Engine      *decision.Engine
	Leases      lease.Store
	Events      store.EventStore
	Promoter    promote.Promoter
	Router      route.Router
	Tracker     replication.Tracker
	Backups     BackupView
	Checker     ReadWriteChecker
	Reattacher  Reattacher
	Notifier    Announcer
	RTO         *rto.Tracker
}

// New creates a coordinator. All Deps fields except Backups, Checker,
// Reattacher and Notifier are required.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.Holder == "" {
		cfg.Holder = "sentinel-" + uuid.New().String()[:8]
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.ReachabilityHorizon <= 0 {
		cfg.ReachabilityHorizon = def.ReachabilityHorizon
	}

	switch {
	case deps.Registry == nil, deps.Health == nil, deps.Replication == nil,
		deps.Engine == nil, deps.Leases == nil, deps.Events == nil,
		deps.Promoter == nil, deps.Router == nil, deps.Tracker == nil:
		return nil, errors.New("coordinator: missing required dependency")
	}

	c := &Coordinator{
		config:     cfg,
		registry:   deps.Registry,
		healthV:    deps.Health,
		replV:      deps.Replication,
		engine:     deps.Engine,
		leases:     deps.Leases,
		events:     deps.Events,
		promoter:   deps.Promoter,
		router:     deps.Router,
		tracker:    deps.Tracker,
		backups:    deps.Backups,
		checker:    deps.Checker,
		reattach:   deps.Reattacher,
		notifier:   deps.Notifier,
		rto:        deps.RTO,
		logger:     logger,
		now:        time.Now,
		lastHealth: make(map[string]health.State),
		stopCh:     make(chan struct{}),
	}

	c.engine.Subscribe(c.onTransition)
	return c, nil
}

// SetClock overrides the clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Coordinator) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// onTransition mirrors engine transitions into notifications and
// bookkeeping. Invoked with the engine lock held, so it must not call
// back into the engine.
func (c *Coordinator) onTransition(tr decision.Transition) {
	c.mu.Lock()
	if tr.To == decision.StateSuspect {
		c.suspectedAt = tr.At
	}
	// Aborts before BeginExecution have no event record yet; flag them
	// so the next cycle persists the declined attempt.
	if tr.To == decision.StateAborted &&
		(tr.From == decision.StateSuspect || tr.From == decision.StateArmed) {
		c.policyAbort = &tr
	}
	c.mu.Unlock()

	eventType := ""
	switch tr.To {
	case decision.StateSuspect:
		eventType = notify.EventRegionSuspect
	case decision.StateArmed:
		eventType = notify.EventFailoverArmed
	case decision.StateFailingOver:
		eventType = notify.EventFailoverStarted
	case decision.StateFailedOver:
		eventType = notify.EventFailoverCompleted
	case decision.StateAborted:
		eventType = notify.EventFailoverAborted
	case decision.StateRecovering:
		eventType = notify.EventRecoveryStarted
	case decision.StateStable:
		if tr.From == decision.StateRecovering {
			eventType = notify.EventRecoveryCompleted
		}
	}
	if eventType == "" || c.notifier == nil {
		return
	}
	c.notifier.Dispatch(context.Background(), notify.NewEvent(eventType, c.config.Environment, map[string]any{
		"from":   tr.From.String(),
		"to":     tr.To.String(),
		"reason": tr.Reason,
	}))
}

// Feed consumes probe samples, updating the aggregator-backed registry
// view. Runs until the channel closes or ctx is done.
func (c *Coordinator) Feed(ctx context.Context, samples <-chan health.Sample, agg *health.Aggregator) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case s, ok := <-samples:
				if !ok {
					return
				}
				agg.Observe(s)
				c.registry.RecordHealth(s.Region, agg.Score(s.Region), s.Timestamp, agg.FailStreak(s.Region))
			}
		}
	}()
}

// Run starts the control loop. Startup crash recovery happens before
// the first cycle and is retried each tick until it settles, so a
// leftover attempt is never stranded behind a still-live lease.
func (c *Coordinator) Run(ctx context.Context) {
	c.settleStartup(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.step(ctx)
			}
		}
	}()
}

// Stop halts the control loop.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// settleStartup drives recoverStartup until it reports the pending
// state resolved. Errors and deferrals leave startupSettled false so
// the next cycle tries again.
func (c *Coordinator) settleStartup(ctx context.Context) {
	if c.startupSettled {
		return
	}
	settled, err := c.recoverStartup(ctx)
	if err != nil {
		c.logger.Error("startup recovery failed, will retry", zap.Error(err))
		return
	}
	c.startupSettled = settled
}

// step runs one control-loop cycle.
func (c *Coordinator) step(ctx context.Context) {
	if !c.startupSettled {
		c.settleStartup(ctx)
		if !c.startupSettled {
			return
		}
	}

	c.healthV.Tick()
	c.announceHealthChanges(ctx)
	snap := c.snapshot()
	c.engine.Tick(snap)

	c.mu.Lock()
	abort := c.policyAbort
	c.policyAbort = nil
	c.mu.Unlock()
	if abort != nil {
		c.recordPolicyAbort(ctx, abort)
	}

	switch c.engine.State() {
	case decision.StateArmed:
		c.execute(ctx, snap)
	case decision.StateFailedOver:
		c.maybeBeginRecovery(ctx)
	case decision.StateRecovering:
		c.maybeCompleteRecovery(snap)
	}
}

// announceHealthChanges notifies operators when a region goes down or
// comes back, independent of whether a failover results.
func (c *Coordinator) announceHealthChanges(ctx context.Context) {
	if c.notifier == nil {
		return
	}
	for _, r := range c.registry.List() {
		st := c.healthV.StateOf(r.Name)

		c.mu.Lock()
		prev := c.lastHealth[r.Name]
		c.lastHealth[r.Name] = st
		c.mu.Unlock()
		if prev == st {
			continue
		}

		switch {
		case st == health.StateDown:
			c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventRegionDown, c.config.Environment, map[string]any{
				"region": r.Name,
			}))
		case st == health.StateHealthy && (prev == health.StateDown || prev == health.StateSuspect):
			c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventRegionRecovered, c.config.Environment, map[string]any{
				"region": r.Name,
			}))
		}
	}
}

// snapshot assembles the decision input from current observations.
func (c *Coordinator) snapshot() decision.Snapshot {
	now := c.clock()
	primary := c.registry.Primary()

	snap := decision.Snapshot{
		Now:                now,
		Primary:            primary.Name,
		PrimaryState:       c.healthV.StateOf(primary.Name),
		PrimaryScore:       c.healthV.Score(primary.Name),
		PrimaryReachable:   true,
		BackupsTrustworthy: true,
	}

	if last := c.healthV.LastSuccess(primary.Name); !last.IsZero() {
		snap.PrimaryReachable = now.Sub(last) <= c.config.ReachabilityHorizon
	}

	for _, dep := range c.config.CriticalDependencies {
		switch c.healthV.StateOf(dep) {
		case health.StateSuspect, health.StateDown:
			snap.UnhealthyCritical++
		}
	}

	for _, s := range c.registry.HotStandbys() {
		rs := c.replV.StateOf(s.Name)
		snap.Standbys = append(snap.Standbys, decision.StandbyCondition{
			Region:   s.Name,
			Priority: s.Priority,
			State:    c.healthV.StateOf(s.Name),
			LagKnown: rs.Known,
			Lag:      rs.Measurement.Lag,
		})
	}

	if c.backups != nil {
		snap.BackupsTrustworthy = c.backups.Trustworthy()
	}
	return snap
}

// execute runs the destructive failover sequence from the ARMED state.
func (c *Coordinator) execute(ctx context.Context, snap decision.Snapshot) {
	l, err := c.leases.Acquire(ctx, c.config.Environment, c.config.Holder, c.config.LeaseTTL)
	if errors.Is(err, lease.ErrLeaseUnavailable) {
		c.logger.Info("failover lease held elsewhere, standing down")
		return
	}
	if err != nil {
		c.logger.Error("lease acquisition failed", zap.Error(err))
		return
	}

	// Conditions may have shifted while acquiring; re-evaluate under
	// the lease before anything destructive happens.
	fresh := c.snapshot()
	c.engine.Tick(fresh)
	if c.engine.State() != decision.StateArmed {
		c.releaseLease(ctx, l)
		return
	}

	candidateName := c.engine.Candidate()
	candidate, ok := c.registry.Get(candidateName)
	if !ok {
		_ = c.engine.Abort("candidate region vanished from registry")
		c.releaseLease(ctx, l)
		return
	}
	oldPrimary := c.registry.Primary()
	lagAtDecision := c.replV.StateOf(candidateName).Measurement.Lag

	if err := c.engine.BeginExecution(l.Token); err != nil {
		c.logger.Error("begin execution refused", zap.Error(err))
		c.releaseLease(ctx, l)
		return
	}

	ev := &store.FailoverEvent{
		ID:          uuid.New().String(),
		Environment: c.config.Environment,
		Reason:      c.engine.TriggerReason(),
		FromRegion:  oldPrimary.Name,
		ToRegion:    candidate.Name,
		StartedAt:   c.clock(),
		Outcome:     store.OutcomePending,
	}
	if err := c.events.CreateEvent(ctx, ev); err != nil {
		// Without a durable intent record a crash would be unrecoverable.
		c.logger.Error("audit record creation failed, aborting", zap.Error(err))
		_ = c.engine.Abort("audit record creation failed")
		c.releaseLease(ctx, l)
		return
	}

	c.mu.Lock()
	failedAt := c.suspectedAt
	c.mu.Unlock()
	if failedAt.IsZero() {
		failedAt = ev.StartedAt
	}
	if c.rto != nil {
		c.rto.StartIncident(ev.ID, c.config.Environment, failedAt)
	}
	c.mu.Lock()
	c.rtoBreached = false
	c.mu.Unlock()

	if !snap.BackupsTrustworthy {
		c.logger.Warn("proceeding with untrusted backups",
			zap.String("event", ev.ID))
	}

	newEndpoint, err := c.promoter.Promote(ctx, candidate)
	if err != nil {
		c.finishAborted(ctx, l, ev, fmt.Sprintf("promotion: %v", err))
		return
	}

	if err := c.renew(ctx, l, ev); err != nil {
		return
	}
	c.announceRTOBreach(ctx)

	// Best effort: a dead primary cannot drain anyway.
	if err := c.router.Drain(ctx, oldPrimary.Endpoint, 0); err != nil {
		c.logger.Warn("drain of old primary failed", zap.Error(err))
	}

	if err := c.router.Cutover(ctx, newEndpoint); err != nil {
		c.finishFailed(ctx, l, ev, fmt.Sprintf("cutover: %v", err))
		return
	}

	if err := c.renew(ctx, l, ev); err != nil {
		return
	}
	c.announceRTOBreach(ctx)

	if c.checker != nil {
		if err := c.checker.Check(ctx, newEndpoint); err != nil {
			c.finishFailed(ctx, l, ev, fmt.Sprintf("synthetic check: %v", err))
			return
		}
	}

	if err := c.registry.SetPrimary(candidate.Name); err != nil {
		c.finishFailed(ctx, l, ev, fmt.Sprintf("role swap: %v", err))
		return
	}
	c.mu.Lock()
	c.failedFrom = oldPrimary.Name
	c.mu.Unlock()

	// The old primary's instance now replicates from the new one.
	c.refreshReplicationInstances()

	if err := c.engine.CompleteFailover(); err != nil {
		c.logger.Error("complete failover refused", zap.Error(err))
	}

	rtoAchieved := c.clock().Sub(failedAt)
	if c.rto != nil {
		if result, err := c.rto.ResolveIncident(ev.ID, lagAtDecision); err == nil {
			rtoAchieved = result.ActualRTO
		}
	}
	if err := c.events.FinalizeEvent(ctx, ev.ID, store.OutcomeSucceeded,
		lagAtDecision, rtoAchieved, "", c.clock()); err != nil {
		c.logger.Error("event finalize failed", zap.String("event", ev.ID), zap.Error(err))
	}
	metrics.RecordFailover(string(store.OutcomeSucceeded), rtoAchieved)

	c.releaseLease(ctx, l)
	c.logger.Info("failover complete",
		zap.String("event", ev.ID),
		zap.String("from", oldPrimary.Name),
		zap.String("to", candidate.Name),
		zap.Duration("rto_achieved", rtoAchieved),
		zap.Duration("rpo_achieved", lagAtDecision))
}

// renew extends the lease between destructive phases. On loss, all
// further destructive steps stop; the pending event is left for crash
// recovery to settle.
func (c *Coordinator) renew(ctx context.Context, l *lease.Lease, ev *store.FailoverEvent) error {
	err := c.leases.Renew(ctx, l, c.config.LeaseTTL)
	if err == nil {
		return nil
	}

	c.logger.Error("lease lost mid-failover, halting destructive steps",
		zap.String("event", ev.ID), zap.Error(err))
	_ = c.engine.Abort("lease lost during execution")
	if c.rto != nil && c.rto.HasActiveIncident(ev.ID) {
		c.rto.AbandonIncident(ev.ID)
	}
	if c.notifier != nil {
		c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventLeaseLost, c.config.Environment, map[string]any{
			"event_id": ev.ID,
		}))
	}
	return lease.ErrLeaseLost
}

// announceRTOBreach warns operators, once per attempt, when the
// in-flight failover has outrun its RTO budget.
func (c *Coordinator) announceRTOBreach(ctx context.Context) {
	if c.rto == nil || c.notifier == nil {
		return
	}
	check := c.rto.CheckStatus()
	if check.Status != rto.StatusCritical {
		return
	}

	c.mu.Lock()
	already := c.rtoBreached
	c.rtoBreached = true
	c.mu.Unlock()
	if already {
		return
	}
	c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventRTOBudgetExceeded, c.config.Environment, map[string]any{
		"detail": check.Message,
	}))
}

// recordPolicyAbort persists an abort that happened before anything
// destructive ran, so declined attempts are auditable alongside
// executed ones.
func (c *Coordinator) recordPolicyAbort(ctx context.Context, tr *decision.Transition) {
	ev := &store.FailoverEvent{
		ID:          uuid.New().String(),
		Environment: c.config.Environment,
		Reason:      tr.Reason,
		FromRegion:  c.registry.Primary().Name,
		StartedAt:   tr.At,
		Outcome:     store.OutcomePending,
	}
	if err := c.events.CreateEvent(ctx, ev); err != nil {
		c.logger.Error("policy abort record failed", zap.Error(err))
		return
	}
	if err := c.events.FinalizeEvent(ctx, ev.ID, store.OutcomeAborted, 0, 0, tr.Reason, c.clock()); err != nil {
		c.logger.Error("event finalize failed", zap.String("event", ev.ID), zap.Error(err))
	}
	metrics.RecordFailover(string(store.OutcomeAborted), 0)
}

func (c *Coordinator) finishAborted(ctx context.Context, l *lease.Lease, ev *store.FailoverEvent, detail string) {
	_ = c.engine.Abort(detail)
	// Events resumed from a previous process have no open incident here.
	if c.rto != nil && c.rto.HasActiveIncident(ev.ID) {
		c.rto.AbandonIncident(ev.ID)
	}
	if err := c.events.FinalizeEvent(ctx, ev.ID, store.OutcomeAborted, 0, 0, detail, c.clock()); err != nil {
		c.logger.Error("event finalize failed", zap.String("event", ev.ID), zap.Error(err))
	}
	metrics.RecordFailover(string(store.OutcomeAborted), c.clock().Sub(ev.StartedAt))
	c.releaseLease(ctx, l)
}

func (c *Coordinator) finishFailed(ctx context.Context, l *lease.Lease, ev *store.FailoverEvent, detail string) {
	_ = c.engine.Abort(detail)
	if c.rto != nil && c.rto.HasActiveIncident(ev.ID) {
		c.rto.AbandonIncident(ev.ID)
	}
	if err := c.events.FinalizeEvent(ctx, ev.ID, store.OutcomeFailed, 0, 0, detail, c.clock()); err != nil {
		c.logger.Error("event finalize failed", zap.String("event", ev.ID), zap.Error(err))
	}
	metrics.RecordFailover(string(store.OutcomeFailed), c.clock().Sub(ev.StartedAt))
	if c.notifier != nil {
		c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventManualActionNeeded, c.config.Environment, map[string]any{
			"event_id": ev.ID,
			"detail":   detail,
		}))
	}
	c.releaseLease(ctx, l)
}

func (c *Coordinator) releaseLease(ctx context.Context, l *lease.Lease) {
	if err := c.leases.Release(ctx, l); err != nil {
		c.logger.Warn("lease release failed", zap.Error(err))
	}
}

// refreshReplicationInstances points the monitor at the current hot
// standby set after a role change.
func (c *Coordinator) refreshReplicationInstances() {
	var instances []replication.Instance
	for _, s := range c.registry.HotStandbys() {
		instances = append(instances, replication.Instance{
			Region:     s.Name,
			InstanceID: s.DatabaseInstanceID,
		})
	}
	c.replV.SetInstances(instances)
}

// maybeBeginRecovery watches the failed-from region after a completed
// failover and starts reattachment when it is healthy again.
func (c *Coordinator) maybeBeginRecovery(ctx context.Context) {
	c.mu.Lock()
	failedFrom := c.failedFrom
	c.mu.Unlock()
	if failedFrom == "" {
		return
	}

	if c.healthV.StateOf(failedFrom) != health.StateHealthy {
		return
	}

	recovered, ok := c.registry.Get(failedFrom)
	if !ok {
		return
	}
	if err := c.engine.BeginRecovery(failedFrom); err != nil {
		c.logger.Error("begin recovery refused", zap.Error(err))
		return
	}

	if c.reattach != nil {
		primary := c.registry.Primary()
		if err := c.reattach.Reattach(ctx, recovered, primary.DatabaseInstanceID); err != nil {
			c.logger.Error("reattach failed, will retry",
				zap.String("region", failedFrom), zap.Error(err))
		}
	}
}

// maybeCompleteRecovery waits for the reattached region to catch up,
// then closes the episode.
func (c *Coordinator) maybeCompleteRecovery(snap decision.Snapshot) {
	c.mu.Lock()
	failedFrom := c.failedFrom
	c.mu.Unlock()
	if failedFrom == "" {
		return
	}

	if c.healthV.StateOf(failedFrom) != health.StateHealthy {
		return
	}
	// The reattached replica must catch up to within the RPO budget
	// before the episode closes.
	if !c.replV.WithinBudget(failedFrom, c.engine.RPOBudget()) {
		return
	}
	rs := c.replV.StateOf(failedFrom)

	if err := c.engine.CompleteRecovery(); err != nil {
		c.logger.Error("complete recovery refused", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.failedFrom = ""
	c.suspectedAt = time.Time{}
	c.mu.Unlock()
	c.logger.Info("region reattached and caught up",
		zap.String("region", failedFrom),
		zap.Duration("lag", rs.Measurement.Lag),
		zap.Time("as_of", snap.Now))
}

// recoverStartup settles any failover the previous controller process
// left unfinished. It never re-issues a promotion: either the standby
// already accepts writes and the attempt resumes at cutover, or the
// event is finalized failed for an operator to inspect. It returns
// false when the event is still pending, and the caller retries: a
// lease held by a different holder defers to that controller until the
// lease expires, while a lease from this controller's own previous
// incarnation is taken over immediately.
func (c *Coordinator) recoverStartup(ctx context.Context) (bool, error) {
	pending, err := c.events.PendingEvent(ctx, c.config.Environment)
	if err != nil {
		return false, fmt.Errorf("coordinator: load pending event: %w", err)
	}
	if pending == nil {
		return true, nil
	}

	c.logger.Warn("found unfinished failover from previous run",
		zap.String("event", pending.ID),
		zap.String("from", pending.FromRegion),
		zap.String("to", pending.ToRegion))

	if cur, err := c.leases.Current(ctx, c.config.Environment); err == nil && cur != nil &&
		cur.Holder != c.config.Holder && cur.ExpiresAt.After(c.clock()) {
		c.logger.Info("lease held by another controller, deferring recovery",
			zap.String("holder", cur.Holder),
			zap.Time("expires_at", cur.ExpiresAt))
		return false, nil
	}

	target, ok := c.registry.Get(pending.ToRegion)
	if !ok {
		if err := c.finalizeOrphan(ctx, pending, "target region no longer configured"); err != nil {
			return false, err
		}
		return true, nil
	}

	writable, err := c.tracker.WriteAccepting(ctx, target.DatabaseInstanceID)
	if err != nil {
		return false, fmt.Errorf("coordinator: probe %s during recovery: %w", target.DatabaseInstanceID, err)
	}
	if !writable {
		if err := c.finalizeOrphan(ctx, pending, "promotion never completed"); err != nil {
			return false, err
		}
		return true, nil
	}

	// Promotion finished before the crash: resume at cutover.
	l, err := c.leases.Acquire(ctx, c.config.Environment, c.config.Holder, c.config.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("coordinator: reacquire lease for recovery: %w", err)
	}
	if err := c.engine.ResumeFailingOver(l.Token, pending.ToRegion); err != nil {
		c.releaseLease(ctx, l)
		return false, err
	}

	if err := c.router.Cutover(ctx, target.Endpoint); err != nil {
		c.finishFailed(ctx, l, pending, fmt.Sprintf("resumed cutover: %v", err))
		return true, nil
	}
	if c.checker != nil {
		if err := c.checker.Check(ctx, target.Endpoint); err != nil {
			c.finishFailed(ctx, l, pending, fmt.Sprintf("resumed synthetic check: %v", err))
			return true, nil
		}
	}
	if err := c.registry.SetPrimary(target.Name); err != nil {
		c.finishFailed(ctx, l, pending, fmt.Sprintf("resumed role swap: %v", err))
		return true, nil
	}
	c.mu.Lock()
	c.failedFrom = pending.FromRegion
	c.mu.Unlock()
	c.refreshReplicationInstances()

	if err := c.engine.CompleteFailover(); err != nil {
		c.logger.Error("complete resumed failover refused", zap.Error(err))
	}

	rtoAchieved := c.clock().Sub(pending.StartedAt)
	if err := c.events.FinalizeEvent(ctx, pending.ID, store.OutcomeSucceeded,
		pending.RPOAchieved, rtoAchieved, "resumed after controller restart", c.clock()); err != nil {
		c.logger.Error("event finalize failed", zap.String("event", pending.ID), zap.Error(err))
	}
	metrics.RecordFailover(string(store.OutcomeSucceeded), rtoAchieved)
	c.releaseLease(ctx, l)

	c.logger.Info("resumed failover completed",
		zap.String("event", pending.ID),
		zap.String("to", pending.ToRegion))
	return true, nil
}

func (c *Coordinator) finalizeOrphan(ctx context.Context, ev *store.FailoverEvent, detail string) error {
	if err := c.events.FinalizeEvent(ctx, ev.ID, store.OutcomeFailed, 0, 0, detail, c.clock()); err != nil {
		return fmt.Errorf("coordinator: finalize orphaned event: %w", err)
	}
	metrics.RecordFailover(string(store.OutcomeFailed), c.clock().Sub(ev.StartedAt))
	if c.notifier != nil {
		c.notifier.Dispatch(ctx, notify.NewEvent(notify.EventManualActionNeeded, c.config.Environment, map[string]any{
			"event_id": ev.ID,
			"detail":   detail,
		}))
	}
	c.logger.Warn("orphaned failover finalized as failed",
		zap.String("event", ev.ID),
		zap.String("detail", detail))
	return nil
}
