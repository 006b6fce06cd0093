// Package route repoints traffic to a new primary region. The cutover
// is all-or-nothing across every router backend: a partial application
// is rolled back before the error is surfaced.
package route

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"context"

	"go.uber.org/zap"
)

var (
	// ErrRoutingUpdateFailed means a router backend refused the update.
	// The change was rolled back; the caller may retry.
	ErrRoutingUpdateFailed = errors.New("route: routing update failed")

	// ErrRoutingVerificationFailed means the post-update probe against
	// the new route never succeeded within the verification window.
	// The old route was restored.
	ErrRoutingVerificationFailed = errors.New("route: post-cutover verification failed")
)

// Router atomically repoints traffic and drains the old primary.
type Router interface {
	// Cutover repoints the service route to the new primary endpoint,
	// verifying the new route before declaring success.
	Cutover(ctx context.Context, newPrimaryEndpoint string) error

	// Drain asks routers to drain in-flight connections to an endpoint
	// with a grace period before forcing them closed.
	Drain(ctx context.Context, endpoint string, grace time.Duration) error
}

// Config configures the control-plane router.
type Config struct {
	ServiceName     string        `yaml:"service_name"`
	RouterEndpoints []string      `yaml:"router_endpoints"`
	DrainGrace      time.Duration `yaml:"drain_grace"`
	VerifyAttempts  int           `yaml:"verify_attempts"`
	VerifyInterval  time.Duration `yaml:"verify_interval"`
	PhaseTimeout    time.Duration `yaml:"phase_timeout"` // slice of the RTO budget
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainGrace:     30 * time.Second,
		VerifyAttempts: 3,
		VerifyInterval: 2 * time.Second,
		PhaseTimeout:   60 * time.Second,
	}
}

// ControlPlaneRouter implements Router against an HTTP traffic control
// API (DNS/load-balancer frontends).
type ControlPlaneRouter struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewControlPlaneRouter creates a router client.
func NewControlPlaneRouter(cfg Config, logger *zap.Logger) *ControlPlaneRouter {
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = DefaultConfig().VerifyAttempts
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = DefaultConfig().VerifyInterval
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultConfig().DrainGrace
	}
	return &ControlPlaneRouter{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type routeUpdate struct {
	Target string `json:"target"`
}

type routeUpdateResponse struct {
	PreviousTarget string `json:"previous_target"`
}

// Cutover implements Router. Every router backend is updated; if any
// update or the verification probe fails, all applied updates are
// reverted to their previous targets so no router is left pointing at
// the new primary while others point at the old one.
func (r *ControlPlaneRouter) Cutover(ctx context.Context, newPrimaryEndpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.PhaseTimeout)
	defer cancel()

	applied := make(map[string]string) // router endpoint -> previous target

	for _, router := range r.config.RouterEndpoints {
		prev, err := r.updateRoute(ctx, router, newPrimaryEndpoint)
		if err != nil {
			r.rollback(ctx, applied)
			return fmt.Errorf("%w: %s: %v", ErrRoutingUpdateFailed, router, err)
		}
		applied[router] = prev
	}

	if err := r.verify(ctx); err != nil {
		r.rollback(ctx, applied)
		return err
	}

	r.logger.Info("traffic cutover applied",
		zap.String("service", r.config.ServiceName),
		zap.String("target", newPrimaryEndpoint),
		zap.Int("routers", len(applied)))
	return nil
}

func (r *ControlPlaneRouter) updateRoute(ctx context.Context, router, target string) (string, error) {
	body, _ := json.Marshal(routeUpdate{Target: target})
	url := fmt.Sprintf("%s/v1/routes/%s", router, r.config.ServiceName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var out routeUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PreviousTarget, nil
}

// rollback restores previous targets on every router that was already
// updated. Errors are logged, not returned: rollback is best effort
// toward the last-known-safe configuration.
func (r *ControlPlaneRouter) rollback(ctx context.Context, applied map[string]string) {
	for router, prev := range applied {
		if prev == "" {
			r.logger.Warn("route rollback skipped, router reported no previous target",
				zap.String("router", router),
				zap.String("service", r.config.ServiceName))
			continue
		}
		if _, err := r.updateRoute(ctx, router, prev); err != nil {
			r.logger.Error("route rollback failed",
				zap.String("router", router),
				zap.String("previous_target", prev),
				zap.Error(err))
		}
	}
}

// verify probes the service route through the first router until it
// answers healthy, up to VerifyAttempts.
func (r *ControlPlaneRouter) verify(ctx context.Context) error {
	if len(r.config.RouterEndpoints) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/v1/routes/%s/health", r.config.RouterEndpoints[0], r.config.ServiceName)

	var lastErr error
	for attempt := 0; attempt < r.config.VerifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrRoutingVerificationFailed, ctx.Err())
			case <-time.After(r.config.VerifyInterval):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRoutingVerificationFailed, err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("%w: %v", ErrRoutingVerificationFailed, lastErr)
}

// Drain implements Router.
func (r *ControlPlaneRouter) Drain(ctx context.Context, endpoint string, grace time.Duration) error {
	if grace <= 0 {
		grace = r.config.DrainGrace
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"endpoint":      endpoint,
		"grace_seconds": int(grace.Seconds()),
	})

	for _, router := range r.config.RouterEndpoints {
		url := router + "/v1/drain"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("route: build drain request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("route: drain via %s: %w", router, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("route: drain via %s: status %d", router, resp.StatusCode)
		}
	}
	return nil
}
