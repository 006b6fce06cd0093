package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPReadWriteChecker performs the synthetic write/read check against
// a data-plane endpoint: write a marker, read it back, compare.
type HTTPReadWriteChecker struct {
	client *http.Client
}

// NewHTTPReadWriteChecker creates a checker with the given per-request
// timeout.
func NewHTTPReadWriteChecker(timeout time.Duration) *HTTPReadWriteChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReadWriteChecker{client: &http.Client{Timeout: timeout}}
}

type syntheticMarker struct {
	Token     string    `json:"token"`
	WrittenAt time.Time `json:"written_at"`
}

// Check implements ReadWriteChecker.
func (h *HTTPReadWriteChecker) Check(ctx context.Context, endpoint string) error {
	marker := syntheticMarker{Token: uuid.New().String(), WrittenAt: time.Now().UTC()}
	body, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("coordinator: marshal synthetic marker: %w", err)
	}

	writeURL := endpoint + "/v1/synthetic"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("coordinator: build synthetic write: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: synthetic write: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator: synthetic write: status %d", resp.StatusCode)
	}

	readURL := fmt.Sprintf("%s/v1/synthetic/%s", endpoint, marker.Token)
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return fmt.Errorf("coordinator: build synthetic read: %w", err)
	}

	resp, err = h.client.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: synthetic read: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator: synthetic read: status %d", resp.StatusCode)
	}

	var got syntheticMarker
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return fmt.Errorf("coordinator: decode synthetic read: %w", err)
	}
	if got.Token != marker.Token {
		return fmt.Errorf("coordinator: synthetic read returned token %q, wrote %q", got.Token, marker.Token)
	}
	return nil
}
