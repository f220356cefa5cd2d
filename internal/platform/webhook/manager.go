package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/internal/platform/notification"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

var defaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats
// when there are more retries than delays.
func WithRetryDelays(d ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager registers endpoints and delivers events to them.
type Manager struct {
	store       Store
	client      *http.Client
	maxRetries  int
	retryDelays []time.Duration
	logger      zerolog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		retryDelays: defaultRetryDelays,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url must have a host")
	}
	return nil
}

// RegisterEndpoint validates and stores a new endpoint for tenantID. A secret
// is generated when none is supplied.
func (m *Manager) RegisterEndpoint(ctx context.Context, tenantID, rawURL string, events []string, secret string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.New("at least one event type is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		TenantID:  tenantID,
		Status:    StatusActive,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	return ep, nil
}

// GetEndpoint returns the endpoint only when it belongs to tenantID.
func (m *Manager) GetEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return ep, nil
}

func (m *Manager) ListEndpoints(ctx context.Context, tenantID string, limit, offset int) ([]*Endpoint, int, error) {
	return m.store.ListEndpoints(ctx, tenantID, limit, offset)
}

// UpdateEndpoint replaces the URL and event filter of an endpoint.
func (m *Manager) UpdateEndpoint(ctx context.Context, tenantID, id, rawURL string, events []string) (*Endpoint, error) {
	ep, err := m.GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rawURL != "" {
		if err := validateURL(rawURL); err != nil {
			return nil, err
		}
		ep.URL = rawURL
	}
	if len(events) > 0 {
		ep.Events = events
	}
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) DeleteEndpoint(ctx context.Context, tenantID, id string) error {
	if _, err := m.GetEndpoint(ctx, tenantID, id); err != nil {
		return err
	}
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) PauseEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	return m.setStatus(ctx, tenantID, id, StatusPaused)
}

func (m *Manager) ResumeEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	return m.setStatus(ctx, tenantID, id, StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, tenantID, id, status string) (*Endpoint, error) {
	ep, err := m.GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// eventMatches reports whether eventType is selected by one of the patterns.
// Patterns are exact names, "*", or a wildcard prefix/suffix such as "lab.*".
func eventMatches(patterns []string, eventType string) bool {
	for _, p := range patterns {
		switch {
		case p == "*" || p == eventType:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")):
			return true
		case strings.HasPrefix(p, "*.") && strings.HasSuffix(eventType, strings.TrimPrefix(p, "*")):
			return true
		}
	}
	return false
}

// Deliver sends the event to every active endpoint of its tenant that
// subscribes to its type, retrying each one independently.
func (m *Manager) Deliver(ctx context.Context, event Event) ([]Result, error) {
	endpoints, _, err := m.store.ListEndpoints(ctx, event.TenantID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var results []Result
	var errs []error
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !eventMatches(ep.Events, event.Type) {
			continue
		}
		res := m.deliverWithRetry(ctx, ep, event)
		results = append(results, res)
		if !res.Success {
			errs = append(errs, fmt.Errorf("webhook %s: %s", ep.ID, res.Error))
		}
	}
	return results, errors.Join(errs...)
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, event Event) Result {
	res := Result{EndpointID: ep.ID}
	for attempt := 1; attempt <= m.maxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				res.Error = ctx.Err().Error()
				return res
			case <-time.After(m.retryDelay(attempt - 2)):
			}
		}
		d, err := m.DeliverToEndpoint(ctx, ep, event, attempt)
		res.Attempts = attempt
		if d != nil {
			res.StatusCode = d.StatusCode
		}
		if err == nil {
			res.Success = true
			res.Error = ""
			return res
		}
		res.Error = err.Error()
		m.logger.Warn().Err(err).
			Str("webhook_id", ep.ID).
			Str("event_type", event.Type).
			Int("attempt", attempt).
			Msg("webhook delivery failed")
	}
	return res
}

func (m *Manager) retryDelay(i int) time.Duration {
	if len(m.retryDelays) == 0 {
		return 0
	}
	if i >= len(m.retryDelays) {
		i = len(m.retryDelays) - 1
	}
	return m.retryDelays[i]
}

// DeliverToEndpoint performs a single signed POST and records the attempt.
// Any non-2xx response is an error.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, event Event, attempt int) (*Delivery, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	sig := SignPayload(body, ep.Secret)

	d := &Delivery{
		ID:        uuid.New().String(),
		WebhookID: ep.ID,
		EventType: event.Type,
		EventID:   event.ID,
		Payload:   body,
		Signature: sig,
		Attempt:   attempt,
		CreatedAt: m.now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", event.ID)
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", event.Timestamp.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		m.record(ctx, d)
		return d, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.StatusCode = resp.StatusCode
	d.ResponseBody = string(respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.Status = "failed"
		d.Error = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
		m.record(ctx, d)
		return d, errors.New(d.Error)
	}
	d.Status = "success"
	m.record(ctx, d)
	return d, nil
}

func (m *Manager) record(ctx context.Context, d *Delivery) {
	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to record webhook delivery")
	}
}

// RetryDelivery re-sends a recorded delivery once with its original payload.
func (m *Manager) RetryDelivery(ctx context.Context, tenantID, deliveryID string) (*Delivery, error) {
	prev, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.GetEndpoint(ctx, tenantID, prev.WebhookID)
	if err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(prev.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	d, err := m.DeliverToEndpoint(ctx, ep, event, prev.Attempt+1)
	if d == nil {
		return nil, err
	}
	return d, nil
}

// TestEndpoint sends a single test event regardless of the endpoint's
// event filter or status.
func (m *Manager) TestEndpoint(ctx context.Context, tenantID, id string) (*Delivery, error) {
	ep, err := m.GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	event := Event{
		ID:        uuid.New().String(),
		Type:      EventTest,
		TenantID:  tenantID,
		Payload:   json.RawMessage(`{"message":"test event"}`),
		Timestamp: m.now().UTC(),
	}
	d, err := m.DeliverToEndpoint(ctx, ep, event, 1)
	if d == nil {
		return nil, err
	}
	return d, nil
}

func (m *Manager) DeliveryLogs(ctx context.Context, tenantID, webhookID string, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.GetEndpoint(ctx, tenantID, webhookID); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, webhookID, limit, offset)
}

// CriticalPayload is the body of a lab.critical_value event.
type CriticalPayload struct {
	ReportID       string                       `json:"report_id"`
	PatientRef     string                       `json:"patient_ref"`
	TestName       string                       `json:"test_name"`
	OrderedBy      string                       `json:"ordered_by,omitempty"`
	RiskScore      int                          `json:"risk_score"`
	CriticalValues []labinterp.ClassifiedResult `json:"critical_values"`
}

// NotifyCritical publishes a lab.critical_value event to the subscribers of
// the tenant carried by ctx. Delivery, including retries, runs in the
// background so the caller is not held up by slow receivers; call Wait to
// drain in-flight deliveries.
func (m *Manager) NotifyCritical(ctx context.Context, alert notification.CriticalAlert) error {
	payload, err := json.Marshal(CriticalPayload{
		ReportID:       alert.ReportID,
		PatientRef:     alert.PatientRef,
		TestName:       alert.TestName,
		OrderedBy:      alert.OrderedBy,
		RiskScore:      alert.RiskScore,
		CriticalValues: alert.Values,
	})
	if err != nil {
		return fmt.Errorf("marshal critical payload: %w", err)
	}
	event := Event{
		ID:        uuid.New().String(),
		Type:      EventCriticalValue,
		TenantID:  db.TenantFromContext(ctx),
		Payload:   payload,
		Timestamp: m.now().UTC(),
	}

	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		results, err := m.Deliver(bg, event)
		if err != nil {
			m.logger.Error().Err(err).
				Str("report_id", alert.ReportID).
				Msg("critical value webhook delivery failed")
			return
		}
		if len(results) > 0 {
			m.logger.Info().
				Str("report_id", alert.ReportID).
				Int("endpoints", len(results)).
				Msg("critical value webhooks delivered")
		}
	}()
	return nil
}

// Wait blocks until background deliveries started by NotifyCritical finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}
