// Package health polls region health endpoints and aggregates samples
// into a hysteresis-damped per-region health state.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/sentinel/internal/metrics"
)

// Sample is one point-in-time probe result for a region endpoint.
type Sample struct {
	Region    string
	Endpoint  string
	Success   bool
	Latency   time.Duration
	Timestamp time.Time
}

// ProbeConfig configures the prober pool.
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Workers     int           `yaml:"workers"`
	MaxRate     float64       `yaml:"max_rate"` // probes/sec across all regions
	UserAgent   string        `yaml:"user_agent"`
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:  5 * time.Second,
		Timeout:   2 * time.Second,
		Workers:   8,
		MaxRate:   50,
		UserAgent: "sentinel-healthprobe/1.0",
	}
}

// Target is one endpoint to probe for a region.
type Target struct {
	Region   string
	Endpoint string
}

// Prober fans probe work out to a fixed worker pool and reports samples
// into a single channel consumed by the control loop.
type Prober struct {
	config  ProbeConfig
	client  *http.Client
	logger  *zap.Logger
	limiter *rate.Limiter
	samples chan Sample

	mu      sync.RWMutex
	targets []Target

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a prober for the given targets.
func NewProber(cfg ProbeConfig, targets []Target, logger *zap.Logger) *Prober {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultProbeConfig().Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeConfig().Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeConfig().Interval
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = DefaultProbeConfig().MaxRate
	}

	return &Prober{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRate), int(cfg.MaxRate)),
		samples: make(chan Sample, 256),
		targets: targets,
		stopCh:  make(chan struct{}),
	}
}

// Samples returns the channel probe results are delivered on.
func (p *Prober) Samples() <-chan Sample {
	return p.samples
}

// SetTargets replaces the probe target set (config reload).
func (p *Prober) SetTargets(targets []Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = targets
}

// Start launches the probe workers and the scheduling loop.
func (p *Prober) Start(ctx context.Context) {
	work := make(chan Target)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range work {
				p.probeOne(ctx, t)
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(work)

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.mu.RLock()
				targets := make([]Target, len(p.targets))
				copy(targets, p.targets)
				p.mu.RUnlock()

				for _, t := range targets {
					select {
					case work <- t:
					case <-ctx.Done():
						return
					case <-p.stopCh:
						return
					}
				}
			}
		}
	}()
}

// Stop halts probing and waits for workers to drain.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// probeOne performs one HTTP health check. Timeouts and non-2xx
// responses count as failed samples rather than errors.
func (p *Prober) probeOne(ctx context.Context, t Target) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	success := false

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint, nil)
	if err != nil {
		p.logger.Error("invalid probe target",
			zap.String("region", t.Region),
			zap.String("endpoint", t.Endpoint),
			zap.Error(err))
	} else {
		req.Header.Set("User-Agent", p.config.UserAgent)
		resp, err := p.client.Do(req)
		if err == nil {
			success = resp.StatusCode >= 200 && resp.StatusCode < 300
			_ = resp.Body.Close()
		}
	}

	latency := time.Since(start)
	metrics.RecordProbe(t.Region, latency, success)

	sample := Sample{
		Region:    t.Region,
		Endpoint:  t.Endpoint,
		Success:   success,
		Latency:   latency,
		Timestamp: time.Now(),
	}

	select {
	case p.samples <- sample:
	default:
		// The control loop is behind; dropping one sample is safer
		// than blocking a probe worker.
		p.logger.Warn("sample channel full, dropping sample",
			zap.String("region", t.Region))
	}
}

// String implements fmt.Stringer for log output.
func (t Target) String() string {
	return fmt.Sprintf("%s(%s)", t.Region, t.Endpoint)
}
