// Package promote executes the promote-replica-to-primary sequence
// against the database control plane.
package promote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/replication"
)

var (
	// ErrPromotionTimeout means the promoted instance did not accept
	// writes within the phase budget.
	ErrPromotionTimeout = errors.New("promote: timeout waiting for write acceptance")

	// ErrReplicationGapExceeded means the final pre-promotion lag check
	// exceeded the RPO budget. Aborting here is preferred over silent
	// data loss.
	ErrReplicationGapExceeded = errors.New("promote: replication gap exceeds RPO budget")

	// ErrPromotionRejected means the provider API declined the request.
	ErrPromotionRejected = errors.New("promote: provider rejected promotion")
)

// Promoter promotes a standby region's database to primary and returns
// the new primary endpoint. One implementation per provider.
type Promoter interface {
	Promote(ctx context.Context, standby region.Region) (string, error)
}

// Config bounds the promotion phase.
type Config struct {
	RPOBudget    time.Duration `yaml:"rpo_budget"`
	PhaseTimeout time.Duration `yaml:"phase_timeout"` // slice of the RTO budget
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RPOBudget:    30 * time.Second,
		PhaseTimeout: 60 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// ControlPlanePromoter implements Promoter against an HTTP database
// control API.
type ControlPlanePromoter struct {
	config  Config
	baseURL string
	client  *http.Client
	tracker replication.Tracker
	logger  *zap.Logger
}

// NewControlPlanePromoter creates a promoter for the control API at
// baseURL. The tracker is used for the final lag check and the
// write-acceptance poll.
func NewControlPlanePromoter(cfg Config, baseURL string, tracker replication.Tracker, logger *zap.Logger) *ControlPlanePromoter {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.RPOBudget <= 0 {
		cfg.RPOBudget = DefaultConfig().RPOBudget
	}
	return &ControlPlanePromoter{
		config:  cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		tracker: tracker,
		logger:  logger,
	}
}

type promoteResponse struct {
	Endpoint string `json:"endpoint"`
}

// Promote implements Promoter. The replication lag is re-checked at
// call time, not reused from the decision that triggered it.
func (p *ControlPlanePromoter) Promote(ctx context.Context, standby region.Region) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.PhaseTimeout)
	defer cancel()

	meas, err := p.tracker.ReplicationState(ctx, standby.DatabaseInstanceID)
	if err != nil {
		return "", fmt.Errorf("promote: final lag check for %s: %w", standby.Name, err)
	}
	if meas.Lag > p.config.RPOBudget {
		return "", fmt.Errorf("%w: lag %s, budget %s",
			ErrReplicationGapExceeded, meas.Lag, p.config.RPOBudget)
	}

	p.logger.Info("promoting standby",
		zap.String("region", standby.Name),
		zap.String("instance", standby.DatabaseInstanceID),
		zap.Duration("lag", meas.Lag))

	endpoint, err := p.issuePromote(ctx, standby)
	if err != nil {
		return "", err
	}

	if err := p.waitWriteAccepting(ctx, standby.DatabaseInstanceID); err != nil {
		return "", err
	}

	p.logger.Info("standby promoted and accepting writes",
		zap.String("region", standby.Name),
		zap.String("endpoint", endpoint))
	return endpoint, nil
}

func (p *ControlPlanePromoter) issuePromote(ctx context.Context, standby region.Region) (string, error) {
	url := fmt.Sprintf("%s/v1/instances/%s/promote", p.baseURL, standby.DatabaseInstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("promote: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("promote: call provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d", ErrPromotionRejected, resp.StatusCode)
	default:
		return "", fmt.Errorf("promote: provider error: status %d", resp.StatusCode)
	}

	var body promoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Endpoint == "" {
		// Providers that return no endpoint fall back to the region's
		// configured one.
		return standby.Endpoint, nil
	}
	return body.Endpoint, nil
}

// Reattach reconfigures a recovered region's database as a replica of
// the current primary. Used during post-failover recovery; the region
// rejoins as a standby and must catch up before it counts as eligible
// again.
func (p *ControlPlanePromoter) Reattach(ctx context.Context, recovered region.Region, primaryInstanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.PhaseTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/instances/%s/reattach", p.baseURL, recovered.DatabaseInstanceID)
	payload := fmt.Sprintf(`{"primary_instance_id":%q}`, primaryInstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("promote: build reattach request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("promote: reattach %s: %w", recovered.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("promote: reattach %s: status %d", recovered.Name, resp.StatusCode)
	}

	p.logger.Info("region reattached as replica",
		zap.String("region", recovered.Name),
		zap.String("primary_instance", primaryInstanceID))
	return nil
}

// waitWriteAccepting polls until the instance accepts writes, with
// backoff bounded by the phase deadline.
func (p *ControlPlanePromoter) waitWriteAccepting(ctx context.Context, instanceID string) error {
	backoff := retry.NewFibonacci(p.config.PollInterval)
	backoff = retry.WithCappedDuration(10*time.Second, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		writable, err := p.tracker.WriteAccepting(ctx, instanceID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !writable {
			return retry.RetryableError(errors.New("not yet accepting writes"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPromotionTimeout, err)
	}
	return nil
}
