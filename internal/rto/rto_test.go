package rto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	tr, err := NewTracker(Objectives{
		RTO:            5 * time.Minute,
		RPO:            30 * time.Second,
		Tier:           TierCritical,
		AlertThreshold: 0.8,
	})
	require.NoError(t, err)

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestObjectivesValidate(t *testing.T) {
	tests := []struct {
		name string
		obj  Objectives
		ok   bool
	}{
		{"valid", Objectives{RTO: time.Minute, RPO: time.Second, AlertThreshold: 0.8}, true},
		{"zero rto", Objectives{RPO: time.Second, AlertThreshold: 0.8}, false},
		{"zero rpo", Objectives{RTO: time.Minute, AlertThreshold: 0.8}, false},
		{"rpo above rto", Objectives{RTO: time.Second, RPO: time.Minute, AlertThreshold: 0.8}, false},
		{"bad threshold", Objectives{RTO: time.Minute, RPO: time.Second, AlertThreshold: 1.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestResolveIncident_WithinObjectives(t *testing.T) {
	tr, now := newTestTracker(t)

	failedAt := *now
	tr.StartIncident("inc-1", "production", failedAt)
	require.True(t, tr.HasActiveIncident("inc-1"))

	*now = now.Add(3 * time.Minute)
	result, err := tr.ResolveIncident("inc-1", 20*time.Second)
	require.NoError(t, err)

	assert.True(t, result.RTOMet)
	assert.True(t, result.RPOMet)
	assert.Equal(t, 3*time.Minute, result.ActualRTO)
	assert.Equal(t, 20*time.Second, result.ActualRPO)
	assert.False(t, tr.HasActiveIncident("inc-1"))
}

func TestResolveIncident_BudgetsExceeded(t *testing.T) {
	tr, now := newTestTracker(t)

	tr.StartIncident("inc-2", "production", *now)
	*now = now.Add(9 * time.Minute)

	result, err := tr.ResolveIncident("inc-2", 45*time.Second)
	require.NoError(t, err)
	assert.False(t, result.RTOMet)
	assert.False(t, result.RPOMet)
}

func TestResolveIncident_ExactBudgetCompliant(t *testing.T) {
	tr, now := newTestTracker(t)

	tr.StartIncident("inc-3", "production", *now)
	*now = now.Add(5 * time.Minute)

	result, err := tr.ResolveIncident("inc-3", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, result.RTOMet, "RTO equal to budget counts as met")
	assert.True(t, result.RPOMet, "RPO equal to budget counts as met")
}

func TestResolveIncident_Unknown(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.ResolveIncident("nope", 0)
	assert.Error(t, err)
}

func TestAbandonIncident(t *testing.T) {
	tr, now := newTestTracker(t)
	tr.StartIncident("inc-4", "production", *now)
	tr.AbandonIncident("inc-4")
	assert.False(t, tr.HasActiveIncident("inc-4"))
	assert.Zero(t, tr.Metrics().TotalIncidents)
}

func TestMetricsAggregation(t *testing.T) {
	tr, now := newTestTracker(t)

	tr.StartIncident("fast", "production", *now)
	*now = now.Add(2 * time.Minute)
	_, err := tr.ResolveIncident("fast", 10*time.Second)
	require.NoError(t, err)

	tr.StartIncident("slow", "production", *now)
	*now = now.Add(10 * time.Minute)
	_, err = tr.ResolveIncident("slow", time.Minute)
	require.NoError(t, err)

	m := tr.Metrics()
	assert.Equal(t, 2, m.TotalIncidents)
	assert.Equal(t, 1, m.RTOCompliant)
	assert.Equal(t, 1, m.RPOCompliant)
	assert.InDelta(t, 50.0, m.RTOComplianceRate, 0.001)
	assert.Equal(t, 10*time.Minute, m.WorstRTO)
	assert.Equal(t, time.Minute, m.WorstRPO)
	assert.Equal(t, 6*time.Minute, m.AverageRTO)
}

func TestCheckStatus_Escalation(t *testing.T) {
	tr, now := newTestTracker(t)

	check := tr.CheckStatus()
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Zero(t, check.ActiveIncidents)

	tr.StartIncident("inc-5", "production", *now)

	check = tr.CheckStatus()
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, 1, check.ActiveIncidents)

	// past 80% of the 5m budget
	*now = now.Add(4*time.Minute + 30*time.Second)
	check = tr.CheckStatus()
	assert.Equal(t, StatusWarning, check.Status)
	assert.True(t, check.RTOAtRisk)
	assert.False(t, check.RTOBreached)

	*now = now.Add(2 * time.Minute)
	check = tr.CheckStatus()
	assert.Equal(t, StatusCritical, check.Status)
	assert.True(t, check.RTOBreached)
}

func TestResults_PeriodFilter(t *testing.T) {
	tr, now := newTestTracker(t)
	periodStart := *now

	tr.StartIncident("in-period", "production", *now)
	*now = now.Add(time.Minute)
	_, err := tr.ResolveIncident("in-period", time.Second)
	require.NoError(t, err)
	periodEnd := *now

	*now = now.Add(time.Hour)
	tr.StartIncident("later", "production", *now)
	*now = now.Add(time.Minute)
	_, err = tr.ResolveIncident("later", time.Second)
	require.NoError(t, err)

	results := tr.Results(periodStart, periodEnd)
	require.Len(t, results, 1)
	assert.Equal(t, "in-period", results[0].IncidentID)
}

func TestTierDefaults(t *testing.T) {
	crit := TierDefaults(TierCritical)
	assert.NoError(t, crit.Validate())
	std := TierDefaults(TierStandard)
	assert.NoError(t, std.Validate())
	assert.Greater(t, std.RTO, crit.RTO)
}
