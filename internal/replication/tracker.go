// Package replication tracks standby replication lag against the
// current primary.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Measurement is one successful lag query for a standby instance.
type Measurement struct {
	Lag        time.Duration
	Position   string // opaque monotonic position token
	MeasuredAt time.Time
}

// Tracker queries the database control plane for replication state.
// One implementation exists per infrastructure provider.
type Tracker interface {
	// ReplicationState returns the standby's current lag and
	// last-applied position.
	ReplicationState(ctx context.Context, instanceID string) (Measurement, error)

	// WriteAccepting reports whether the instance currently accepts
	// writes. Used for post-promotion confirmation and crash recovery.
	WriteAccepting(ctx context.Context, instanceID string) (bool, error)
}

// HTTPTracker implements Tracker against an HTTP database control API.
type HTTPTracker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTracker creates a tracker for the control API at baseURL.
func NewHTTPTracker(baseURL string, timeout time.Duration) *HTTPTracker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTracker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type replicationResponse struct {
	LagMillis int64  `json:"lag_ms"`
	Position  string `json:"position"`
	Writable  bool   `json:"writable"`
}

func (t *HTTPTracker) query(ctx context.Context, instanceID string) (replicationResponse, error) {
	url := fmt.Sprintf("%s/v1/instances/%s/replication", t.baseURL, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return replicationResponse{}, fmt.Errorf("replication: build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return replicationResponse{}, fmt.Errorf("replication: query %s: %w", instanceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return replicationResponse{}, fmt.Errorf("replication: query %s: status %d", instanceID, resp.StatusCode)
	}

	var body replicationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return replicationResponse{}, fmt.Errorf("replication: decode response: %w", err)
	}
	return body, nil
}

// ReplicationState implements Tracker.
func (t *HTTPTracker) ReplicationState(ctx context.Context, instanceID string) (Measurement, error) {
	body, err := t.query(ctx, instanceID)
	if err != nil {
		return Measurement{}, err
	}
	if body.LagMillis < 0 {
		return Measurement{}, fmt.Errorf("replication: negative lag %dms for %s", body.LagMillis, instanceID)
	}
	return Measurement{
		Lag:        time.Duration(body.LagMillis) * time.Millisecond,
		Position:   body.Position,
		MeasuredAt: time.Now(),
	}, nil
}

// WriteAccepting implements Tracker.
func (t *HTTPTracker) WriteAccepting(ctx context.Context, instanceID string) (bool, error) {
	body, err := t.query(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return body.Writable, nil
}
