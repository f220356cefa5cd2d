// Package notification delivers templated email, SMS and push messages to
// clinicians and keeps an in-memory record of what was sent.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
	TypePush  NotificationType = "push"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification represents a single outbound notification.
type Notification struct {
	ID           string            `json:"id"`
	Type         NotificationType  `json:"type"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender is the interface for sending push messages to a clinician's
// devices.
type PushSender interface {
	SendPush(ctx context.Context, n *Notification) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

const (
	TemplateLabResultReady   = "lab-result-ready"
	TemplateLabCriticalValue = "lab-critical-value"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateLabResultReady,
		Name:    "Lab Result Ready",
		Subject: "Lab results ready: {{test_name}}",
		Body:    "The {{test_name}} results for patient {{patient_ref}} have been analyzed. Risk score: {{risk_score}}.",
		Type:    TypeEmail,
	})
	e.RegisterTemplate(Template{
		ID:      TemplateLabCriticalValue,
		Name:    "Critical Lab Value",
		Subject: "CRITICAL: {{parameter}} {{reading}}",
		Body:    "Patient {{patient_ref}} has a critical {{parameter}} of {{reading}} ({{status}}) on {{test_name}}. {{significance}}. Immediate attention required.",
		Type:    TypePush,
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns a copy of the template with the given ID.
func (e *TemplateEngine) Lookup(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render performs {{key}} replacement on a template's subject and body.
// Placeholders absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager dispatches notifications over their channel and records them.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	push      PushSender
	templates *TemplateEngine
	observe   func(channel string, err error)

	mu            sync.RWMutex
	notifications map[string]*Notification
}

// NewManager constructs a Manager. A nil sender makes its channel fail.
func NewManager(email EmailSender, sms SMSSender, push PushSender, tpl *TemplateEngine) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		email:         email,
		sms:           sms,
		push:          push,
		templates:     tpl,
		notifications: make(map[string]*Notification),
	}
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeEmail:
		if m.email != nil {
			return m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
		}
	case TypeSMS:
		if m.sms != nil {
			return m.sms.SendSMS(ctx, n.Recipient, n.Body)
		}
	case TypePush:
		if m.push != nil {
			return m.push.SendPush(ctx, n)
		}
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
	return fmt.Errorf("no sender configured for %s", n.Type)
}

// OnDelivery registers a callback invoked after every delivery attempt.
func (m *Manager) OnDelivery(fn func(channel string, err error)) {
	m.observe = fn
}

func (m *Manager) record(n *Notification, err error) {
	if m.observe != nil {
		m.observe(string(n.Type), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
	} else {
		n.Status = StatusSent
		n.Error = ""
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	m.notifications[n.ID] = n
}

// Send dispatches a notification, assigns its ID and timestamps, and keeps
// it for later lookup whether or not delivery succeeded.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending

	err := m.deliver(ctx, n)
	m.record(n, err)
	return err
}

// SendFromTemplate renders a template and sends it over the template's
// channel.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient, priority string) (*Notification, error) {
	tpl, ok := m.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("render template: template %q not found", templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Type:         tpl.Type,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Priority:     priority,
	}
	return n, m.Send(ctx, n)
}

// GetNotification retrieves a notification by ID.
func (m *Manager) GetNotification(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return n, nil
}

// ListByRecipient returns up to limit notifications for a recipient, newest
// first.
func (m *Manager) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	var result []*Notification
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			result = append(result, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) error {
	n, err := m.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	m.mu.RLock()
	status := n.Status
	m.mu.RUnlock()
	if status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}

	err = m.deliver(ctx, n)
	m.record(n, err)
	return err
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}
