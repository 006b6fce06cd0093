// Package rto tracks recovery-objective compliance for failovers. Each
// failover is an incident: the clock starts when the primary is declared
// down and stops when traffic is serving from the new primary.
package rto

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Tier represents the service level an environment is held to.
type Tier string

const (
	TierCritical   Tier = "critical"
	TierStandard   Tier = "standard"
	TierBestEffort Tier = "best-effort"
)

// Status summarizes compliance posture.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Objectives defines the recovery targets for an environment.
type Objectives struct {
	RTO            time.Duration `yaml:"rto"`
	RPO            time.Duration `yaml:"rpo"`
	Tier           Tier          `yaml:"tier"`
	AlertThreshold float64       `yaml:"alert_threshold"`
}

// Validate checks the objectives.
func (o Objectives) Validate() error {
	if o.RTO <= 0 {
		return errors.New("rto: RTO must be greater than zero")
	}
	if o.RPO <= 0 {
		return errors.New("rto: RPO must be greater than zero")
	}
	if o.RPO > o.RTO {
		return errors.New("rto: RPO should not exceed RTO")
	}
	if o.AlertThreshold <= 0 || o.AlertThreshold > 1 {
		return errors.New("rto: alert threshold must be in (0, 1]")
	}
	return nil
}

// TierDefaults returns default objectives for a tier.
func TierDefaults(tier Tier) Objectives {
	switch tier {
	case TierCritical:
		return Objectives{RTO: 5 * time.Minute, RPO: 30 * time.Second, Tier: TierCritical, AlertThreshold: 0.8}
	case TierBestEffort:
		return Objectives{RTO: 4 * time.Hour, RPO: time.Hour, Tier: TierBestEffort, AlertThreshold: 0.9}
	default:
		return Objectives{RTO: 15 * time.Minute, RPO: 5 * time.Minute, Tier: TierStandard, AlertThreshold: 0.8}
	}
}

// Result is the compliance outcome of one resolved incident.
type Result struct {
	IncidentID  string        `json:"incident_id"`
	Environment string        `json:"environment"`
	RTOMet      bool          `json:"rto_met"`
	RPOMet      bool          `json:"rpo_met"`
	ActualRTO   time.Duration `json:"actual_rto"`
	ActualRPO   time.Duration `json:"actual_rpo"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// Metrics aggregates compliance over the retained history.
type Metrics struct {
	TotalIncidents    int
	RTOCompliant      int
	RPOCompliant      int
	RTOComplianceRate float64
	RPOComplianceRate float64
	AverageRTO        time.Duration
	AverageRPO        time.Duration
	WorstRTO          time.Duration
	WorstRPO          time.Duration
}

// StatusCheck is a point-in-time compliance view while incidents are open.
type StatusCheck struct {
	Status          Status
	RTOAtRisk       bool
	RTOBreached     bool
	ActiveIncidents int
	Message         string
	CheckedAt       time.Time
}

type activeIncident struct {
	id          string
	environment string
	startedAt   time.Time
}

// Tracker measures recovery times against objectives.
type Tracker struct {
	objectives Objectives

	mu      sync.RWMutex
	history []Result
	active  map[string]*activeIncident
	now     func() time.Time
}

// NewTracker creates a tracker with the given objectives.
func NewTracker(objectives Objectives) (*Tracker, error) {
	if err := objectives.Validate(); err != nil {
		return nil, fmt.Errorf("rto: invalid objectives: %w", err)
	}
	return &Tracker{
		objectives: objectives,
		active:     make(map[string]*activeIncident),
		now:        time.Now,
	}, nil
}

// SetClock overrides the clock for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Objectives returns the configured targets.
func (t *Tracker) Objectives() Objectives {
	return t.objectives
}

// StartIncident begins the recovery clock for a failover. failureAt is
// when the primary was declared down, not when execution began.
func (t *Tracker) StartIncident(incidentID, environment string, failureAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[incidentID] = &activeIncident{
		id:          incidentID,
		environment: environment,
		startedAt:   failureAt,
	}
}

// HasActiveIncident reports whether an incident is still open.
func (t *Tracker) HasActiveIncident(incidentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[incidentID]
	return ok
}

// ResolveIncident stops the clock and records the outcome. dataLoss is
// the replication gap accepted at promotion time.
func (t *Tracker) ResolveIncident(incidentID string, dataLoss time.Duration) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	incident, ok := t.active[incidentID]
	if !ok {
		return Result{}, fmt.Errorf("rto: incident %s not found", incidentID)
	}
	delete(t.active, incidentID)

	resolvedAt := t.now()
	result := Result{
		IncidentID:  incidentID,
		Environment: incident.environment,
		ActualRTO:   resolvedAt.Sub(incident.startedAt),
		ActualRPO:   dataLoss,
		ResolvedAt:  resolvedAt,
	}
	result.RTOMet = result.ActualRTO <= t.objectives.RTO
	result.RPOMet = result.ActualRPO <= t.objectives.RPO

	t.history = append(t.history, result)
	return result, nil
}

// AbandonIncident drops an open incident without recording a result,
// for aborted failovers where the primary recovered on its own.
func (t *Tracker) AbandonIncident(incidentID string) {
	t.mu.Lock()
	delete(t.active, incidentID)
	t.mu.Unlock()
}

// Metrics aggregates all recorded results.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Metrics{
		TotalIncidents:    len(t.history),
		RTOComplianceRate: 100.0,
		RPOComplianceRate: 100.0,
	}
	if len(t.history) == 0 {
		return m
	}

	var totalRTO, totalRPO time.Duration
	for _, r := range t.history {
		if r.RTOMet {
			m.RTOCompliant++
		}
		if r.RPOMet {
			m.RPOCompliant++
		}
		totalRTO += r.ActualRTO
		totalRPO += r.ActualRPO
		if r.ActualRTO > m.WorstRTO {
			m.WorstRTO = r.ActualRTO
		}
		if r.ActualRPO > m.WorstRPO {
			m.WorstRPO = r.ActualRPO
		}
	}

	m.RTOComplianceRate = float64(m.RTOCompliant) / float64(m.TotalIncidents) * 100
	m.RPOComplianceRate = float64(m.RPOCompliant) / float64(m.TotalIncidents) * 100
	m.AverageRTO = totalRTO / time.Duration(m.TotalIncidents)
	m.AverageRPO = totalRPO / time.Duration(m.TotalIncidents)
	return m
}

// CheckStatus evaluates open incidents against the RTO budget.
func (t *Tracker) CheckStatus() StatusCheck {
	t.mu.RLock()
	defer t.mu.RUnlock()

	check := StatusCheck{
		Status:          StatusHealthy,
		ActiveIncidents: len(t.active),
		CheckedAt:       t.now(),
	}
	if len(t.active) == 0 {
		check.Message = "no active incidents"
		return check
	}

	warnAfter := time.Duration(float64(t.objectives.RTO) * t.objectives.AlertThreshold)
	for _, incident := range t.active {
		elapsed := check.CheckedAt.Sub(incident.startedAt)
		switch {
		case elapsed > t.objectives.RTO:
			check.RTOBreached = true
			check.RTOAtRisk = true
			check.Status = StatusCritical
			check.Message = fmt.Sprintf("RTO breached for incident %s", incident.id)
		case elapsed > warnAfter:
			check.RTOAtRisk = true
			if check.Status != StatusCritical {
				check.Status = StatusWarning
				check.Message = fmt.Sprintf("approaching RTO budget for incident %s", incident.id)
			}
		}
	}
	return check
}

// Results returns recorded outcomes within [start, end].
func (t *Tracker) Results(start, end time.Time) []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Result, 0, len(t.history))
	for _, r := range t.history {
		if r.ResolvedAt.Before(start) || r.ResolvedAt.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}
