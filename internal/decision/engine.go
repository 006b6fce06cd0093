package decision

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/metrics"
)

// State is a decision engine state.
type State int

const (
	StateStable State = iota
	StateSuspect
	StateArmed
	StateFailingOver
	StateFailedOver
	StateRecovering
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateSuspect:
		return "suspect"
	case StateArmed:
		return "armed"
	case StateFailingOver:
		return "failing_over"
	case StateFailedOver:
		return "failed_over"
	case StateRecovering:
		return "recovering"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transition is an observable state change, for audit and tests.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Config holds decision policy parameters.
type Config struct {
	// RPOBudget is the maximum replication lag a standby may carry and
	// still be promoted. Lag exactly at the budget is eligible.
	RPOBudget time.Duration `yaml:"rpo_budget"`

	// DependencyThreshold is how many critical dependent services must
	// be unhealthy before the dependency rule fires.
	DependencyThreshold int `yaml:"dependency_threshold"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RPOBudget: 30 * time.Second, DependencyThreshold: 3}
}

// Engine is the failover state machine. Tick is called from a single
// control loop per environment; the engine itself is still locked so
// observability readers can consult it concurrently.
type Engine struct {
	config Config
	rules  []Rule
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	reason      string // rule that tripped the current episode
	candidate   string // standby selected while arming
	leaseID     string // lease under which execution was begun
	enteredAt   time.Time
	observers   []func(Transition)
	transitions []Transition
}

// NewEngine creates an engine with the given trigger rule table.
func NewEngine(cfg Config, rules []Rule, logger *zap.Logger) *Engine {
	if cfg.RPOBudget <= 0 {
		cfg.RPOBudget = DefaultConfig().RPOBudget
	}
	return &Engine{
		config: cfg,
		rules:  rules,
		logger: logger,
		state:  StateStable,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// TriggerReason returns the rule name that started the current episode.
func (e *Engine) TriggerReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reason
}

// Candidate returns the standby selected while arming.
func (e *Engine) Candidate() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.candidate
}

// RPOBudget returns the configured replication-lag budget.
func (e *Engine) RPOBudget() time.Duration {
	return e.config.RPOBudget
}

// Subscribe registers an observer invoked on every transition.
func (e *Engine) Subscribe(fn func(Transition)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Transitions returns a copy of the transition history.
func (e *Engine) Transitions() []Transition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// transitionLocked applies one state change. Caller must hold the lock.
func (e *Engine) transitionLocked(to State, reason string, at time.Time) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.enteredAt = at

	tr := Transition{From: from, To: to, Reason: reason, At: at}
	e.transitions = append(e.transitions, tr)
	if len(e.transitions) > 1000 {
		e.transitions = e.transitions[len(e.transitions)-1000:]
	}

	metrics.RecordTransition(from.String(), to.String())
	metrics.RecordEngineState(int(to))
	e.logger.Info("decision engine transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))

	for _, fn := range e.observers {
		fn(tr)
	}
}

// SelectStandby picks the promotion target: lowest replication lag
// among eligible hot standbys, ties broken by configured priority.
// A standby is eligible when its lag is known and within the RPO
// budget (boundary inclusive) and it is not itself suspect or down.
func (e *Engine) SelectStandby(snap Snapshot) (StandbyCondition, bool) {
	var best StandbyCondition
	found := false
	for _, s := range snap.Standbys {
		if !s.LagKnown || s.Lag > e.config.RPOBudget {
			continue
		}
		if s.State == health.StateSuspect || s.State == health.StateDown {
			continue
		}
		if !found ||
			s.Lag < best.Lag ||
			(s.Lag == best.Lag && s.Priority < best.Priority) {
			best = s
			found = true
		}
	}
	return best, found
}

// Tick evaluates one control-loop cycle. It drives the non-destructive
// transitions; destructive phases are driven by the coordinator through
// BeginExecution / Complete / Abort.
func (e *Engine) Tick(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := snap.Now
	if now.IsZero() {
		now = time.Now()
	}

	switch e.state {
	case StateAborted:
		// Aborts end the episode, not the outage. Leave only once the
		// primary recovered or a standby became eligible, so a long
		// outage with no promotion target does not churn a fresh abort
		// episode every cycle.
		_, eligible := e.SelectStandby(snap)
		if snap.PrimaryState == health.StateHealthy || eligible {
			e.reason = ""
			e.candidate = ""
			e.leaseID = ""
			e.transitionLocked(StateStable, "re-evaluating after abort", now)
		}

	case StateStable:
		if name := firedRule(e.rules, snap); name != "" {
			e.reason = name
			e.transitionLocked(StateSuspect, name, now)
		}

	case StateSuspect:
		// The common transient case: primary recovered before the
		// down debounce elapsed. No side effects have happened yet.
		if snap.PrimaryState == health.StateHealthy && firedRule(e.rules, snap) == "" {
			e.reason = ""
			e.transitionLocked(StateStable, "primary recovered", now)
			return
		}

		if snap.PrimaryState == health.StateDown {
			if best, ok := e.SelectStandby(snap); ok {
				e.candidate = best.Region
				e.transitionLocked(StateArmed, fmt.Sprintf("primary down, standby %s eligible", best.Region), now)
			} else {
				e.transitionLocked(StateAborted, "no eligible standby", now)
			}
		}

	case StateArmed:
		// Still cleanly cancellable until the lease is acquired.
		if snap.PrimaryState == health.StateHealthy && firedRule(e.rules, snap) == "" {
			e.reason = ""
			e.candidate = ""
			e.transitionLocked(StateStable, "primary recovered before execution", now)
			return
		}
		// Re-validate the candidate each cycle; conditions may shift
		// while waiting for the lease.
		if best, ok := e.SelectStandby(snap); ok {
			e.candidate = best.Region
		} else {
			e.candidate = ""
			e.transitionLocked(StateAborted, "no eligible standby", now)
		}

	case StateFailingOver, StateFailedOver, StateRecovering:
		// Driven by the coordinator.
	}
}

// BeginExecution moves ARMED to FAILING_OVER under an acquired lease.
// It is the only path into FAILING_OVER.
func (e *Engine) BeginExecution(leaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateArmed {
		return fmt.Errorf("decision: cannot begin execution from %s", e.state)
	}
	if leaseID == "" {
		return fmt.Errorf("decision: lease required to begin execution")
	}
	e.leaseID = leaseID
	e.transitionLocked(StateFailingOver, "lease "+leaseID+" acquired", time.Now())
	return nil
}

// CompleteFailover moves FAILING_OVER to FAILED_OVER after promotion,
// cutover and verification all succeeded.
func (e *Engine) CompleteFailover() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateFailingOver {
		return fmt.Errorf("decision: cannot complete failover from %s", e.state)
	}
	e.transitionLocked(StateFailedOver, "promotion and cutover verified", time.Now())
	return nil
}

// Abort moves ARMED or FAILING_OVER to ABORTED. The system stays on
// the last-known-safe configuration.
func (e *Engine) Abort(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateArmed && e.state != StateFailingOver {
		return fmt.Errorf("decision: cannot abort from %s", e.state)
	}
	e.leaseID = ""
	e.transitionLocked(StateAborted, reason, time.Now())
	return nil
}

// BeginRecovery moves FAILED_OVER to RECOVERING once the old primary
// is reachable and reattachment has started.
func (e *Engine) BeginRecovery(region string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateFailedOver {
		return fmt.Errorf("decision: cannot begin recovery from %s", e.state)
	}
	e.transitionLocked(StateRecovering, "reattaching "+region, time.Now())
	return nil
}

// CompleteRecovery moves RECOVERING to STABLE after reattachment
// verification passed.
func (e *Engine) CompleteRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecovering {
		return fmt.Errorf("decision: cannot complete recovery from %s", e.state)
	}
	e.reason = ""
	e.candidate = ""
	e.leaseID = ""
	e.transitionLocked(StateStable, "reattachment verified", time.Now())
	return nil
}

// ResumeFailingOver restores the FAILING_OVER state after a controller
// restart found an incomplete attempt. Startup-recovery only.
func (e *Engine) ResumeFailingOver(leaseID, candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateStable {
		return fmt.Errorf("decision: cannot resume from %s", e.state)
	}
	e.leaseID = leaseID
	e.candidate = candidate
	e.transitionLocked(StateSuspect, "resuming incomplete failover", time.Now())
	e.transitionLocked(StateArmed, "resuming incomplete failover", time.Now())
	e.transitionLocked(StateFailingOver, "resuming incomplete failover", time.Now())
	return nil
}
