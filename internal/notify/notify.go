// Package notify delivers orchestration events to operator webhooks.
// Delivery is at-least-once: every channel gets every matching event,
// retried with backoff, and failures are recorded but never block the
// failover path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/metrics"
)

// Standard event types
const (
	EventRegionSuspect      = "region.suspect"
	EventRegionDown         = "region.down"
	EventRegionRecovered    = "region.recovered"
	EventFailoverArmed      = "failover.armed"
	EventFailoverStarted    = "failover.started"
	EventFailoverCompleted  = "failover.completed"
	EventFailoverAborted    = "failover.aborted"
	EventRecoveryStarted    = "recovery.started"
	EventRecoveryCompleted  = "recovery.completed"
	EventBackupUntrusted    = "backup.verification_failed"
	EventRTOBudgetExceeded  = "rto.budget_exceeded"
	EventLeaseLost          = "lease.lost"
	EventManualActionNeeded = "operator.action_required"
)

// Delivery statuses
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

const deliveryHistorySize = 200

// Channel configures one webhook destination.
type Channel struct {
	ID           string            `yaml:"id" json:"id"`
	URL          string            `yaml:"url" json:"url"`
	Events       []string          `yaml:"events" json:"events"`
	Secret       string            `yaml:"secret" json:"secret,omitempty"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	RequireHTTPS bool              `yaml:"require_https" json:"require_https"`
}

// Validate checks the channel configuration.
func (c *Channel) Validate() error {
	if c.URL == "" {
		return errors.New("notify: URL is required")
	}

	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("notify: invalid URL: %w", err)
	}
	if c.RequireHTTPS && parsed.Scheme != "https" {
		return errors.New("notify: HTTPS is required")
	}
	if len(c.Events) == 0 {
		return errors.New("notify: at least one event is required")
	}
	return nil
}

// Matches checks whether the channel subscribes to an event type.
// Supports "*" and prefix patterns like "failover.*".
func (c *Channel) Matches(eventType string) bool {
	for _, e := range c.Events {
		if e == "*" || e == eventType {
			return true
		}
		if strings.HasSuffix(e, ".*") {
			prefix := strings.TrimSuffix(e, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}

// Event is one orchestration event to announce.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Environment string         `json:"environment"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType, environment string, data map[string]any) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Environment: environment,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}

// payload is the wire form, carrying the attempt number so receivers
// can dedupe redeliveries.
type payload struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Environment string         `json:"environment"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Attempt     int            `json:"attempt"`
}

// Delivery records one delivery outcome per channel per event.
type Delivery struct {
	ID         string        `json:"id"`
	ChannelID  string        `json:"channel_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Config configures the notifier.
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryCap       time.Duration `yaml:"retry_cap"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

// DefaultConfig returns notifier defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     4,
		RetryBase:      500 * time.Millisecond,
		RetryCap:       10 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxConcurrent:  16,
	}
}

// Notifier fans events out to registered channels.
type Notifier struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client

	mu         sync.RWMutex
	channels   map[string]*Channel
	deliveries []Delivery

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewNotifier creates a notifier with the given channels.
func NewNotifier(cfg Config, channels []Channel, logger *zap.Logger) (*Notifier, error) {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	n := &Notifier{
		config:     cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		channels:   make(map[string]*Channel),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
	for i := range channels {
		ch := channels[i]
		if err := n.Register(&ch); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Register adds a channel.
func (n *Notifier) Register(ch *Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.channels[ch.ID]; exists {
		return fmt.Errorf("notify: channel %s already exists", ch.ID)
	}
	n.channels[ch.ID] = ch
	return nil
}

// Unregister removes a channel.
func (n *Notifier) Unregister(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.channels[id]; !exists {
		return fmt.Errorf("notify: channel %s not found", id)
	}
	delete(n.channels, id)
	return nil
}

// Dispatch delivers an event to all matching channels asynchronously.
// The failover path never waits on notification delivery.
func (n *Notifier) Dispatch(ctx context.Context, event *Event) {
	for _, ch := range n.matching(event.Type) {
		ch := ch
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sem <- struct{}{}
			defer func() { <-n.sem }()
			if err := n.deliver(ctx, ch, event); err != nil {
				n.logger.Warn("notification delivery failed",
					zap.String("channel", ch.ID),
					zap.String("event", event.Type),
					zap.Error(err))
			}
		}()
	}
}

// DispatchSync delivers an event to all matching channels and returns
// the last delivery error, if any.
func (n *Notifier) DispatchSync(ctx context.Context, event *Event) error {
	var lastErr error
	for _, ch := range n.matching(event.Type) {
		if err := n.deliver(ctx, ch, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Wait blocks until all in-flight asynchronous deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Deliveries returns the retained delivery log, newest first.
func (n *Notifier) Deliveries(limit int) []Delivery {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Delivery, 0, limit)
	for i := len(n.deliveries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, n.deliveries[i])
	}
	return out
}

func (n *Notifier) matching(eventType string) []*Channel {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var result []*Channel
	for _, ch := range n.channels {
		if ch.Matches(eventType) {
			result = append(result, ch)
		}
	}
	return result
}

func (n *Notifier) deliver(ctx context.Context, ch *Channel, event *Event) error {
	attempts := 0
	start := time.Now()

	backoff := retry.WithMaxRetries(uint64(n.config.MaxRetries-1),
		retry.WithCappedDuration(n.config.RetryCap, retry.NewFibonacci(n.config.RetryBase)))

	var lastStatus int
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		code, err := n.send(ctx, ch, event, attempts)
		lastStatus = code
		if err != nil {
			return retry.RetryableError(err)
		}
		if code < 200 || code >= 300 {
			return retry.RetryableError(fmt.Errorf("notify: endpoint returned status %d", code))
		}
		return nil
	})

	d := Delivery{
		ID:         uuid.New().String(),
		ChannelID:  ch.ID,
		EventID:    event.ID,
		EventType:  event.Type,
		Status:     DeliveryStatusSuccess,
		StatusCode: lastStatus,
		Duration:   time.Since(start),
		Attempts:   attempts,
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		d.Status = DeliveryStatusFailed
		d.Error = err.Error()
	}
	n.record(d)
	metrics.RecordNotification(err == nil)
	return err
}

func (n *Notifier) send(ctx context.Context, ch *Channel, event *Event, attempt int) (int, error) {
	body, err := json.Marshal(payload{
		ID:          event.ID,
		Type:        event.Type,
		Environment: event.Environment,
		Data:        event.Data,
		Timestamp:   event.Timestamp,
		Attempt:     attempt,
	})
	if err != nil {
		return 0, fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("notify: create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentinel-Notify/1.0")
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if ch.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Signature(body, ch.Secret))
	}
	for key, value := range ch.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func (n *Notifier) record(d Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	if len(n.deliveries) > deliveryHistorySize {
		n.deliveries = n.deliveries[len(n.deliveries)-deliveryHistorySize:]
	}
}

// Signature computes the HMAC-SHA256 signature receivers use to
// authenticate payloads.
func Signature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Signature(body, secret)), []byte(signature))
}
