// Package webhook fans governance events out to tenant-registered HTTP
// endpoints. Payloads are HMAC-signed; failed deliveries back off
// exponentially and are retained for manual replay once retries are
// exhausted.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/store"
)

// deliveryTimeout bounds one HTTP attempt.
const deliveryTimeout = 30 * time.Second

// baseBackoff is the unit delay for redelivery attempt n:
// min(multiplier^n * baseBackoff, maxBackoff).
const baseBackoff = 60 * time.Second

// defaultWorkers bounds concurrent deliveries when no option is given.
const defaultWorkers = 4

// ErrEndpointNotFound is returned for unknown endpoint ids.
var ErrEndpointNotFound = errors.New("webhook: endpoint not found")

// ErrDeliveryNotFound is returned when a replay target does not exist.
var ErrDeliveryNotFound = errors.New("webhook: delivery not found")

const (
	endpointKeyFmt = "webhook:%s:%s"
	failedKeyFmt   = "webhookfailed:%s:%s"
)

// Manager owns endpoint registration, delivery, and the retry queue.
// Deliveries run on a worker pool so one slow receiver cannot serialize
// the whole fan-out.
type Manager struct {
	store      store.Store
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	workers    chan struct{}

	mu      sync.Mutex
	pending []*model.Delivery
}

// Option adjusts a manager knob.
type Option func(*Manager)

// WithWorkers caps how many deliveries run concurrently across Dispatch
// and retry sweeps.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = make(chan struct{}, n)
		}
	}
}

// New builds a webhook manager over the shared store.
func New(s store.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      s,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		logger:     logger,
		now:        time.Now,
		workers:    make(chan struct{}, defaultWorkers),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sign computes the hex HMAC-SHA-256 of a payload under an endpoint
// secret. Receivers recompute this over the raw body to authenticate.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// storedEndpoint carries the secret that the API-facing struct hides.
type storedEndpoint struct {
	model.WebhookEndpoint
	Secret string `json:"secret"`
}

// CreateEndpoint validates and registers a delivery target.
func (m *Manager) CreateEndpoint(ctx context.Context, orgID string, ep model.WebhookEndpoint) (model.WebhookEndpoint, error) {
	if err := ep.Validate(); err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("webhook: %w", err)
	}
	ep.ID = uuid.NewString()
	ep.OrgID = orgID
	ep.CreatedAt = m.now().UTC()
	if ep.RetryConfig == (model.RetryConfig{}) {
		ep.RetryConfig = model.DefaultRetryConfig()
	}
	if err := m.putEndpoint(ctx, ep); err != nil {
		return model.WebhookEndpoint{}, err
	}
	m.logger.Info("webhook: endpoint created", "org_id", orgID, "endpoint_id", ep.ID, "url", ep.URL)
	return ep, nil
}

// UpdateEndpoint replaces an endpoint's mutable fields. An empty secret
// keeps the stored one.
func (m *Manager) UpdateEndpoint(ctx context.Context, orgID string, ep model.WebhookEndpoint) (model.WebhookEndpoint, error) {
	existing, err := m.getEndpoint(ctx, orgID, ep.ID)
	if err != nil {
		return model.WebhookEndpoint{}, err
	}
	if ep.Secret == "" {
		ep.Secret = existing.Secret
	}
	if err := ep.Validate(); err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("webhook: %w", err)
	}
	ep.OrgID = existing.OrgID
	ep.CreatedAt = existing.CreatedAt
	if ep.RetryConfig == (model.RetryConfig{}) {
		ep.RetryConfig = existing.RetryConfig
	}
	if err := m.putEndpoint(ctx, ep); err != nil {
		return model.WebhookEndpoint{}, err
	}
	return ep, nil
}

// DeleteEndpoint removes a delivery target.
func (m *Manager) DeleteEndpoint(ctx context.Context, orgID, id string) error {
	if _, err := m.getEndpoint(ctx, orgID, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, fmt.Sprintf(endpointKeyFmt, orgID, id)); err != nil {
		return fmt.Errorf("webhook: delete endpoint: %w", err)
	}
	return nil
}

// GetEndpoint loads one endpoint, secret omitted.
func (m *Manager) GetEndpoint(ctx context.Context, orgID, id string) (model.WebhookEndpoint, error) {
	ep, err := m.getEndpoint(ctx, orgID, id)
	if err != nil {
		return model.WebhookEndpoint{}, err
	}
	ep.Secret = ""
	return ep, nil
}

// ListEndpoints returns the org's endpoints, secrets omitted.
func (m *Manager) ListEndpoints(ctx context.Context, orgID string) ([]model.WebhookEndpoint, error) {
	eps, err := m.endpoints(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range eps {
		eps[i].Secret = ""
	}
	return eps, nil
}

func (m *Manager) getEndpoint(ctx context.Context, orgID, id string) (model.WebhookEndpoint, error) {
	raw, err := m.store.Get(ctx, fmt.Sprintf(endpointKeyFmt, orgID, id))
	if errors.Is(err, store.ErrNotFound) {
		return model.WebhookEndpoint{}, ErrEndpointNotFound
	}
	if err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("webhook: load endpoint: %w", err)
	}
	var se storedEndpoint
	if err := json.Unmarshal(raw, &se); err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("webhook: decode endpoint: %w", err)
	}
	ep := se.WebhookEndpoint
	ep.Secret = se.Secret
	return ep, nil
}

func (m *Manager) endpoints(ctx context.Context, orgID string) ([]model.WebhookEndpoint, error) {
	kvs, err := m.store.ScanByPrefix(ctx, fmt.Sprintf("webhook:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("webhook: scan endpoints: %w", err)
	}
	out := make([]model.WebhookEndpoint, 0, len(kvs))
	for _, kv := range kvs {
		var se storedEndpoint
		if err := json.Unmarshal(kv.Value, &se); err != nil {
			return nil, fmt.Errorf("webhook: decode endpoint %q: %w", kv.Key, err)
		}
		ep := se.WebhookEndpoint
		ep.Secret = se.Secret
		out = append(out, ep)
	}
	return out, nil
}

func (m *Manager) putEndpoint(ctx context.Context, ep model.WebhookEndpoint) error {
	se := storedEndpoint{WebhookEndpoint: ep, Secret: ep.Secret}
	raw, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("webhook: marshal endpoint: %w", err)
	}
	if err := m.store.Set(ctx, fmt.Sprintf(endpointKeyFmt, ep.OrgID, ep.ID), raw); err != nil {
		return fmt.Errorf("webhook: store endpoint: %w", err)
	}
	return nil
}

// NewEvent builds a canonical event envelope.
func (m *Manager) NewEvent(orgID string, typ model.WebhookEventType, data map[string]any) model.WebhookEvent {
	return model.WebhookEvent{
		ID:             uuid.NewString(),
		Type:           typ,
		Timestamp:      m.now().UTC(),
		OrganizationID: orgID,
		Data:           data,
	}
}

// Dispatch delivers an event to every enabled, subscribed endpoint of the
// org. Failures are queued for retry; Dispatch itself never fails the
// calling request.
func (m *Manager) Dispatch(ctx context.Context, event model.WebhookEvent) {
	eps, err := m.endpoints(ctx, event.OrganizationID)
	if err != nil {
		m.logger.Error("webhook: list endpoints for dispatch", "org_id", event.OrganizationID, "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, ep := range eps {
		if !ep.Enabled || !ep.SubscribedTo(event.Type) {
			continue
		}
		d := &model.Delivery{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			Event:      event,
			Status:     model.DeliveryPending,
		}
		wg.Add(1)
		m.workers <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.workers }()
			m.attempt(ctx, ep, d)
		}()
	}
	wg.Wait()
}

// SendTest delivers a synthetic event to one endpoint and reports the
// outcome directly, bypassing the retry queue.
func (m *Manager) SendTest(ctx context.Context, orgID, endpointID string) error {
	ep, err := m.getEndpoint(ctx, orgID, endpointID)
	if err != nil {
		return err
	}
	event := m.NewEvent(orgID, model.EventEvaluationCompleted, map[string]any{"test": true})
	d := &model.Delivery{ID: uuid.NewString(), EndpointID: ep.ID, Event: event}
	if err := m.deliver(ctx, ep, d); err != nil {
		return fmt.Errorf("webhook: test delivery: %w", err)
	}
	return nil
}

// attempt delivers once and schedules or parks the delivery on failure.
func (m *Manager) attempt(ctx context.Context, ep model.WebhookEndpoint, d *model.Delivery) {
	err := m.deliver(ctx, ep, d)
	d.Attempts++
	if err == nil {
		d.Status = model.DeliveryDelivered
		return
	}
	d.LastError = err.Error()

	if d.Attempts > ep.RetryConfig.MaxRetries {
		d.Status = model.DeliveryFailed
		m.parkFailed(ctx, ep.OrgID, d)
		return
	}
	d.Status = model.DeliveryPending
	d.NextAttempt = m.now().Add(retryDelay(ep.RetryConfig, d.Attempts))
	m.mu.Lock()
	m.pending = append(m.pending, d)
	m.mu.Unlock()
	m.logger.Warn("webhook: delivery failed, scheduled retry",
		"endpoint_id", ep.ID, "delivery_id", d.ID, "attempt", d.Attempts,
		"next_attempt", d.NextAttempt, "error", err)
}

// retryDelay is min(multiplier^attempt * 60s, maxBackoff).
func retryDelay(rc model.RetryConfig, attempt int) time.Duration {
	mult := rc.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	delay := time.Duration(math.Pow(mult, float64(attempt)) * float64(baseBackoff))
	maxDelay := time.Duration(rc.MaxBackoffSeconds) * time.Second
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// deliver performs one signed HTTP POST.
func (m *Manager) deliver(ctx context.Context, ep model.WebhookEndpoint, d *model.Delivery) error {
	payload, err := json.Marshal(d.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(ep.Secret, payload))
	req.Header.Set("X-Event", string(d.Event.Type))
	req.Header.Set("X-Delivery", d.ID)
	req.Header.Set("X-Timestamp", d.Event.Timestamp.Format(time.RFC3339))
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// ProcessRetries re-attempts every delivery whose backoff has elapsed.
// The gateway runs this on a ticker.
func (m *Manager) ProcessRetries(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due []*model.Delivery
	var rest []*model.Delivery
	for _, d := range m.pending {
		if !d.NextAttempt.After(now) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range due {
		ep, err := m.getEndpoint(ctx, d.Event.OrganizationID, d.EndpointID)
		if err != nil {
			m.logger.Warn("webhook: dropping retry for vanished endpoint",
				"delivery_id", d.ID, "endpoint_id", d.EndpointID)
			continue
		}
		if !ep.Enabled {
			continue
		}
		wg.Add(1)
		m.workers <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.workers }()
			m.attempt(ctx, ep, d)
		}()
	}
	wg.Wait()
}

// PendingRetries reports the current retry queue depth.
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// parkFailed persists an exhausted delivery for manual replay.
func (m *Manager) parkFailed(ctx context.Context, orgID string, d *model.Delivery) {
	raw, err := json.Marshal(d)
	if err != nil {
		m.logger.Error("webhook: marshal failed delivery", "delivery_id", d.ID, "error", err)
		return
	}
	if err := m.store.Set(ctx, fmt.Sprintf(failedKeyFmt, orgID, d.ID), raw); err != nil {
		m.logger.Error("webhook: store failed delivery", "delivery_id", d.ID, "error", err)
		return
	}
	m.logger.Error("webhook: delivery exhausted retries",
		"org_id", orgID, "delivery_id", d.ID, "endpoint_id", d.EndpointID, "error", d.LastError)
}

// FailedDeliveries lists deliveries parked for replay.
func (m *Manager) FailedDeliveries(ctx context.Context, orgID string) ([]model.Delivery, error) {
	kvs, err := m.store.ScanByPrefix(ctx, fmt.Sprintf("webhookfailed:%s:", orgID))
	if err != nil {
		return nil, fmt.Errorf("webhook: scan failed deliveries: %w", err)
	}
	out := make([]model.Delivery, 0, len(kvs))
	for _, kv := range kvs {
		var d model.Delivery
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			return nil, fmt.Errorf("webhook: decode delivery %q: %w", kv.Key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Replay re-attempts one parked delivery. Success removes it from the
// failed set; failure leaves it parked.
func (m *Manager) Replay(ctx context.Context, orgID, deliveryID string) error {
	key := fmt.Sprintf(failedKeyFmt, orgID, deliveryID)
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDeliveryNotFound
	}
	if err != nil {
		return fmt.Errorf("webhook: load failed delivery: %w", err)
	}
	var d model.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("webhook: decode failed delivery: %w", err)
	}

	ep, err := m.getEndpoint(ctx, orgID, d.EndpointID)
	if err != nil {
		return err
	}
	if err := m.deliver(ctx, ep, &d); err != nil {
		return fmt.Errorf("webhook: replay: %w", err)
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("webhook: clear replayed delivery: %w", err)
	}
	return nil
}
