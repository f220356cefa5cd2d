package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type sentMessage struct {
	Channel NotificationType
	To      string
	Subject string
	Body    string
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	fail  bool
}

func (r *recordingSender) add(m sentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	if r.fail {
		return errors.New("provider unavailable")
	}
	return nil
}

func (r *recordingSender) SendEmail(_ context.Context, to, subject, body string) error {
	return r.add(sentMessage{Channel: TypeEmail, To: to, Subject: subject, Body: body})
}

func (r *recordingSender) SendSMS(_ context.Context, to, body string) error {
	return r.add(sentMessage{Channel: TypeSMS, To: to, Body: body})
}

func (r *recordingSender) SendPush(_ context.Context, n *Notification) error {
	return r.add(sentMessage{Channel: TypePush, To: n.Recipient, Subject: n.Subject, Body: n.Body})
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func newTestManager() (*Manager, *recordingSender) {
	s := &recordingSender{}
	return NewManager(s, s, s, NewTemplateEngine()), s
}

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_UnknownPlaceholderKept(t *testing.T) {
	subject, _, err := NewTemplateEngine().Render(TemplateLabResultReady, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Lab results ready: {{test_name}}" {
		t.Errorf("subject = %q", subject)
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	for id, typ := range map[string]NotificationType{
		TemplateLabResultReady:   TypeEmail,
		TemplateLabCriticalValue: TypePush,
	} {
		tpl, ok := eng.Lookup(id)
		if !ok {
			t.Errorf("built-in template %q not found", id)
			continue
		}
		if tpl.Type != typ {
			t.Errorf("template %q type = %s, want %s", id, tpl.Type, typ)
		}
	}
}

// ---------------------------------------------------------------------------
// Manager Tests
// ---------------------------------------------------------------------------

func TestManager_SendChannels(t *testing.T) {
	mgr, s := newTestManager()
	ctx := context.Background()

	for _, typ := range []NotificationType{TypeEmail, TypeSMS, TypePush} {
		n := &Notification{Type: typ, Recipient: "dr-grey", Subject: "s", Body: "b"}
		if err := mgr.Send(ctx, n); err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if n.ID == "" || n.Status != StatusSent || n.SentAt == nil {
			t.Errorf("%s: unexpected notification state %+v", typ, n)
		}
		if n.Priority != "normal" {
			t.Errorf("%s: default priority = %q", typ, n.Priority)
		}
	}

	msgs := s.messages()
	if len(msgs) != 3 || msgs[0].Channel != TypeEmail || msgs[1].Channel != TypeSMS || msgs[2].Channel != TypePush {
		t.Errorf("unexpected deliveries %+v", msgs)
	}
}

func TestManager_UnsupportedType(t *testing.T) {
	mgr, _ := newTestManager()
	n := &Notification{Type: "fax", Recipient: "x"}
	if err := mgr.Send(context.Background(), n); err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if n.Status != StatusFailed {
		t.Errorf("status = %s, want failed", n.Status)
	}
}

func TestManager_MissingSender(t *testing.T) {
	mgr := NewManager(nil, nil, nil, nil)
	n := &Notification{Type: TypePush, Recipient: "x"}
	if err := mgr.Send(context.Background(), n); err == nil {
		t.Fatal("expected error without a push sender")
	}
	if got, _ := mgr.GetNotification(context.Background(), n.ID); got == nil || got.Status != StatusFailed {
		t.Error("failed notification should still be recorded")
	}
}

func TestManager_OnDelivery(t *testing.T) {
	mgr, s := newTestManager()
	var outcomes []string
	mgr.OnDelivery(func(channel string, err error) {
		outcomes = append(outcomes, channel+":"+map[bool]string{true: "ok", false: "failed"}[err == nil])
	})

	mgr.Send(context.Background(), &Notification{Type: TypeEmail, Recipient: "a@example.com"})
	s.fail = true
	mgr.Send(context.Background(), &Notification{Type: TypePush, Recipient: "dr-1"})

	want := []string{"email:ok", "push:failed"}
	if len(outcomes) != 2 || outcomes[0] != want[0] || outcomes[1] != want[1] {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
}

func TestManager_RetryFailed(t *testing.T) {
	mgr, s := newTestManager()
	ctx := context.Background()

	s.fail = true
	n := &Notification{Type: TypeEmail, Recipient: "dr-grey", Body: "b"}
	if err := mgr.Send(ctx, n); err == nil {
		t.Fatal("expected send failure")
	}
	if n.Error == "" {
		t.Error("expected error message on failed notification")
	}

	s.fail = false
	if err := mgr.Retry(ctx, n.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n.Status != StatusSent || n.Error != "" {
		t.Errorf("after retry: %+v", n)
	}
	if err := mgr.Retry(ctx, n.ID); err == nil {
		t.Error("expected error retrying a sent notification")
	}
	if err := mgr.Retry(ctx, "missing"); err == nil {
		t.Error("expected error retrying an unknown notification")
	}
}

func TestManager_ListByRecipient(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mgr.Send(ctx, &Notification{ID: string(rune('a' + i)), Type: TypeSMS, Recipient: "dr-grey", Body: "b"})
		time.Sleep(time.Millisecond)
	}
	mgr.Send(ctx, &Notification{Type: TypeSMS, Recipient: "dr-house", Body: "b"})

	list, err := mgr.ListByRecipient(ctx, "dr-grey", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "b" {
		t.Errorf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestManager_Stats(t *testing.T) {
	mgr, s := newTestManager()
	ctx := context.Background()
	mgr.Send(ctx, &Notification{Type: TypeEmail, Recipient: "a"})
	s.fail = true
	mgr.Send(ctx, &Notification{Type: TypeEmail, Recipient: "b"})

	stats := mgr.Stats(ctx)
	if stats[StatusSent] != 1 || stats[StatusFailed] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestManager_SendFromTemplate(t *testing.T) {
	mgr, s := newTestManager()
	n, err := mgr.SendFromTemplate(context.Background(), TemplateLabResultReady,
		map[string]string{"test_name": "CBC", "patient_ref": "P1", "risk_score": "0"}, "dr-grey", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Type != TypeEmail || n.Subject != "Lab results ready: CBC" {
		t.Errorf("unexpected notification %+v", n)
	}
	if len(s.messages()) != 1 {
		t.Errorf("expected one delivery")
	}
	if _, err := mgr.SendFromTemplate(context.Background(), "nope", nil, "x", ""); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zerolog.Nop())
	mgr := NewManager(s, s, s, nil)
	for _, typ := range []NotificationType{TypeEmail, TypeSMS, TypePush} {
		if err := mgr.Send(context.Background(), &Notification{Type: typ, Recipient: "x"}); err != nil {
			t.Errorf("%s: %v", typ, err)
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP Handler Tests
// ---------------------------------------------------------------------------

func TestHandler_GetAndList(t *testing.T) {
	mgr, _ := newTestManager()
	n := &Notification{Type: TypePush, Recipient: "dr-grey", Body: "b"}
	mgr.Send(context.Background(), n)
	h := NewHandler(mgr)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(n.ID)
	if err := h.HandleGet(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/?recipient=dr-grey", nil)
	rec = httptest.NewRecorder()
	if err := h.HandleList(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != n.ID {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestHandler_Errors(t *testing.T) {
	h := NewHandler(NewManager(nil, nil, nil, nil))
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if he, ok := h.HandleGet(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown notification")
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if he, ok := h.HandleList(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without recipient")
	}
}

func TestHandler_Stats(t *testing.T) {
	mgr, _ := newTestManager()
	mgr.Send(context.Background(), &Notification{Type: TypeSMS, Recipient: "a"})
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := NewHandler(mgr).HandleStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats map[string]int
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats[StatusSent] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
