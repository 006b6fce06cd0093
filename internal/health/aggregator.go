package health

import (
	"math"
	"sync"
	"time"

	"github.com/FairForge/sentinel/internal/metrics"
)

// State is the hysteresis-damped health state of a region.
type State string

const (
	StateUnknown State = "unknown"
	StateHealthy State = "healthy"
	StateSuspect State = "suspect"
	StateDown    State = "down"
)

// AggregatorConfig holds scoring thresholds and debounce periods.
// Recovery requires the score to exceed RecoverThreshold (above
// SuspectThreshold) for the suspect debounce, which prevents flapping.
type AggregatorConfig struct {
	Window           time.Duration `yaml:"window"`            // sliding sample window
	HalfLife         time.Duration `yaml:"half_life"`         // exponential weight decay
	SuspectThreshold float64       `yaml:"suspect_threshold"` // T_suspect
	DownThreshold    float64       `yaml:"down_threshold"`    // T_down
	RecoverThreshold float64       `yaml:"recover_threshold"` // T_recover
	SuspectDebounce  time.Duration `yaml:"suspect_debounce"`  // D
	DownDebounce     time.Duration `yaml:"down_debounce"`     // D2, must exceed D
}

// DefaultAggregatorConfig returns sensible defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Window:           5 * time.Minute,
		HalfLife:         1 * time.Minute,
		SuspectThreshold: 60,
		DownThreshold:    30,
		RecoverThreshold: 80,
		SuspectDebounce:  15 * time.Second,
		DownDebounce:     60 * time.Second,
	}
}

type regionWindow struct {
	samples []Sample

	state        State
	belowSuspect time.Time // zero when score >= SuspectThreshold
	belowDown    time.Time // zero when score >= DownThreshold
	aboveRecover time.Time // zero when score <= RecoverThreshold
	failStreak   int
	lastSuccess  time.Time
}

// Aggregator folds probe samples into per-region scores with
// hysteresis. Scores weight recent samples more heavily so one
// transient blip does not move the state.
type Aggregator struct {
	config  AggregatorConfig
	mu      sync.RWMutex
	regions map[string]*regionWindow
	now     func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultAggregatorConfig().Window
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultAggregatorConfig().HalfLife
	}
	return &Aggregator{
		config:  cfg,
		regions: make(map[string]*regionWindow),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Observe folds one sample in and re-evaluates the region's state.
func (a *Aggregator) Observe(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.regions[s.Region]
	if !ok {
		w = &regionWindow{state: StateUnknown}
		a.regions[s.Region] = w
	}

	w.samples = append(w.samples, s)
	a.pruneLocked(w)
	if s.Success {
		w.failStreak = 0
		w.lastSuccess = s.Timestamp
	} else {
		w.failStreak++
	}

	a.evaluateLocked(s.Region, w)
}

// Score returns the current weighted success score (0-100) for a
// region, or -1 when no samples exist.
func (a *Aggregator) Score(region string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.regions[region]
	if !ok {
		return -1
	}
	return a.scoreLocked(w)
}

// StateOf returns the current hysteresis state for a region.
func (a *Aggregator) StateOf(region string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.regions[region]
	if !ok {
		return StateUnknown
	}
	return w.state
}

// FailStreak returns the current consecutive-failure count.
func (a *Aggregator) FailStreak(region string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.regions[region]
	if !ok {
		return 0
	}
	return w.failStreak
}

// LastSuccess returns the timestamp of the last successful sample.
func (a *Aggregator) LastSuccess(region string) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.regions[region]
	if !ok {
		return time.Time{}
	}
	return w.lastSuccess
}

// Tick re-evaluates all regions against the debounce clocks without new
// samples. The control loop calls this once per cycle so debounce
// periods elapse even when sample flow is steady.
func (a *Aggregator) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for region, w := range a.regions {
		a.pruneLocked(w)
		a.evaluateLocked(region, w)
	}
}

// pruneLocked drops samples that have aged out of the sliding window.
// Caller must hold the write lock; scoreLocked never mutates, so read
// paths stay safe under the read lock.
func (a *Aggregator) pruneLocked(w *regionWindow) {
	cutoff := a.now().Add(-a.config.Window)
	keep := w.samples[:0]
	for _, s := range w.samples {
		if s.Timestamp.After(cutoff) {
			keep = append(keep, s)
		}
	}
	w.samples = keep
}

// scoreLocked computes the exponentially-weighted success ratio over
// the sliding window. Caller must hold the lock for reading.
func (a *Aggregator) scoreLocked(w *regionWindow) float64 {
	now := a.now()
	cutoff := now.Add(-a.config.Window)

	var weightSum, successSum float64
	for _, s := range w.samples {
		if !s.Timestamp.After(cutoff) {
			continue
		}
		age := now.Sub(s.Timestamp).Seconds()
		weight := math.Pow(0.5, age/a.config.HalfLife.Seconds())
		weightSum += weight
		if s.Success {
			successSum += weight
		}
	}
	if weightSum == 0 {
		return -1
	}
	return 100 * successSum / weightSum
}

// evaluateLocked applies threshold + debounce transitions for one
// region. Caller must hold the lock.
func (a *Aggregator) evaluateLocked(region string, w *regionWindow) {
	score := a.scoreLocked(w)
	if score < 0 {
		return
	}
	metrics.RecordRegionHealth(region, score)

	now := a.now()

	// Track how long the score has been continuously past each edge.
	if score < a.config.SuspectThreshold {
		if w.belowSuspect.IsZero() {
			w.belowSuspect = now
		}
	} else {
		w.belowSuspect = time.Time{}
	}
	if score < a.config.DownThreshold {
		if w.belowDown.IsZero() {
			w.belowDown = now
		}
	} else {
		w.belowDown = time.Time{}
	}
	if score > a.config.RecoverThreshold {
		if w.aboveRecover.IsZero() {
			w.aboveRecover = now
		}
	} else {
		w.aboveRecover = time.Time{}
	}

	switch w.state {
	case StateUnknown:
		if score > a.config.RecoverThreshold {
			w.state = StateHealthy
		} else if !w.belowSuspect.IsZero() && now.Sub(w.belowSuspect) >= a.config.SuspectDebounce {
			w.state = StateSuspect
		}

	case StateHealthy:
		if !w.belowSuspect.IsZero() && now.Sub(w.belowSuspect) >= a.config.SuspectDebounce {
			w.state = StateSuspect
		}

	case StateSuspect:
		if !w.belowDown.IsZero() && now.Sub(w.belowDown) >= a.config.DownDebounce {
			w.state = StateDown
		} else if !w.aboveRecover.IsZero() && now.Sub(w.aboveRecover) >= a.config.SuspectDebounce {
			w.state = StateHealthy
		}

	case StateDown:
		if !w.aboveRecover.IsZero() && now.Sub(w.aboveRecover) >= a.config.SuspectDebounce {
			w.state = StateHealthy
		}
	}
}
