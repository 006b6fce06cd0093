// Package decision holds the failover decision engine: a table of
// trigger rules feeding a single-threaded state machine.
package decision

import (
	"time"

	"github.com/FairForge/sentinel/internal/health"
)

// StandbyCondition is the decision-time view of one hot standby.
type StandbyCondition struct {
	Region   string
	Priority int
	State    health.State
	LagKnown bool
	Lag      time.Duration
}

// Snapshot is the input the engine evaluates on each control-loop
// cycle. It is assembled by the coordinator from the aggregator,
// replication monitor and backup verifier.
type Snapshot struct {
	Now                time.Time
	Primary            string
	PrimaryState       health.State
	PrimaryScore       float64
	PrimaryReachable   bool // from the controller's vantage point
	UnhealthyCritical  int  // critical dependent services reporting unhealthy
	Standbys           []StandbyCondition
	BackupsTrustworthy bool // advisory only, never blocks failover
}

// Rule is one independently-evaluable trigger predicate. The engine
// ORs all rules to decide whether the primary is suspect. New trigger
// conditions are added as new rules, not as transition-logic branches.
type Rule interface {
	Name() string
	Evaluate(snap Snapshot) bool
}

// HealthThresholdRule fires when the aggregated primary health state
// has degraded past the suspect threshold.
type HealthThresholdRule struct{}

func (HealthThresholdRule) Name() string { return "primary_health_degraded" }

func (HealthThresholdRule) Evaluate(snap Snapshot) bool {
	return snap.PrimaryState == health.StateSuspect || snap.PrimaryState == health.StateDown
}

// DependencyCountRule fires when too many critical dependent services
// report unhealthy, even if the region endpoint itself still answers.
type DependencyCountRule struct {
	Threshold int
}

func (r DependencyCountRule) Name() string { return "critical_dependencies_unhealthy" }

func (r DependencyCountRule) Evaluate(snap Snapshot) bool {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	return snap.UnhealthyCritical >= threshold
}

// ReachabilityRule fires when the primary region is unreachable from
// the controller.
type ReachabilityRule struct{}

func (ReachabilityRule) Name() string { return "primary_unreachable" }

func (ReachabilityRule) Evaluate(snap Snapshot) bool {
	return !snap.PrimaryReachable
}

// DefaultRules returns the standard trigger table.
func DefaultRules(dependencyThreshold int) []Rule {
	return []Rule{
		HealthThresholdRule{},
		DependencyCountRule{Threshold: dependencyThreshold},
		ReachabilityRule{},
	}
}

// firedRule returns the name of the first rule that fires, or "".
func firedRule(rules []Rule, snap Snapshot) string {
	for _, r := range rules {
		if r.Evaluate(snap) {
			return r.Name()
		}
	}
	return ""
}
