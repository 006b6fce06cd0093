package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/metrics"
)

// MonitorConfig configures the replication polling loop.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// StaleIntervals is how many missed polls before a standby's
	// state is treated as unknown and hence ineligible.
	StaleIntervals int `yaml:"stale_intervals"`
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       10 * time.Second,
		StaleIntervals: 3,
	}
}

// StandbyState is the latest known replication state for one standby.
// A zero Measurement with Known=false means no fresh measurement
// exists; the decision policy treats that conservatively.
type StandbyState struct {
	Region      string
	Measurement Measurement
	Known       bool
}

// Instance pairs a region with its database instance id.
type Instance struct {
	Region     string
	InstanceID string
}

// Monitor polls replication lag for all standbys and keeps the latest
// measurement per region. Each refresh supersedes the previous one.
type Monitor struct {
	config  MonitorConfig
	tracker Tracker
	logger  *zap.Logger

	mu        sync.RWMutex
	instances []Instance
	latest    map[string]Measurement
	now       func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for the given standby instances.
func NewMonitor(cfg MonitorConfig, tracker Tracker, instances []Instance, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.StaleIntervals <= 0 {
		cfg.StaleIntervals = DefaultMonitorConfig().StaleIntervals
	}
	return &Monitor{
		config:    cfg,
		tracker:   tracker,
		logger:    logger,
		instances: instances,
		latest:    make(map[string]Measurement),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// SetClock overrides the time source, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetInstances replaces the polled instance set (role changes after a
// completed failover).
func (m *Monitor) SetInstances(instances []Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = instances
}

// Start launches the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

// Stop halts polling.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.RLock()
	instances := make([]Instance, len(m.instances))
	copy(instances, m.instances)
	m.mu.RUnlock()

	for _, inst := range instances {
		ctx, cancel := context.WithTimeout(ctx, m.config.Interval)
		meas, err := m.tracker.ReplicationState(ctx, inst.InstanceID)
		cancel()

		if err != nil {
			// Failed measurements are not recorded; the previous one
			// ages out and the standby becomes unknown.
			m.logger.Warn("replication lag query failed",
				zap.String("region", inst.Region),
				zap.String("instance", inst.InstanceID),
				zap.Error(err))
			continue
		}

		metrics.RecordReplicationLag(inst.Region, meas.Lag)

		m.mu.Lock()
		m.latest[inst.Region] = meas
		m.mu.Unlock()
	}
}

// Record stores a measurement directly, superseding any previous one.
// The polling loop uses it internally; tests use it to shape state.
func (m *Monitor) Record(region string, meas Measurement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[region] = meas
}

// StateOf returns the latest state for a standby. Known is false when
// no measurement exists or the last one is older than the staleness
// horizon.
func (m *Monitor) StateOf(region string) StandbyState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meas, ok := m.latest[region]
	if !ok {
		return StandbyState{Region: region}
	}

	horizon := time.Duration(m.config.StaleIntervals) * m.config.Interval
	if m.now().Sub(meas.MeasuredAt) > horizon {
		return StandbyState{Region: region}
	}

	return StandbyState{Region: region, Measurement: meas, Known: true}
}

// WithinBudget reports whether the standby has a fresh measurement with
// lag within the RPO budget. A lag exactly equal to the budget is
// eligible.
func (m *Monitor) WithinBudget(region string, budget time.Duration) bool {
	st := m.StateOf(region)
	return st.Known && st.Measurement.Lag <= budget
}
