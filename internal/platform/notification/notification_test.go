package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/webhook"
)

type stubSender struct {
	err   error
	code  int
	calls []*Notification
}

func (s *stubSender) Channel() Channel { return ChannelWebhook }

func (s *stubSender) Deliver(_ context.Context, n *Notification) (int, error) {
	s.calls = append(s.calls, n)
	return s.code, s.err
}

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_BuiltInActivation(t *testing.T) {
	eng := NewTemplateEngine()
	subject, body, err := eng.Render(TemplateAssignmentActivated, map[string]string{
		"room_id":  "204",
		"due_date": "2026-03-01",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Your encounter in room 204 is now active" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "2026-03-01") {
		t.Errorf("body = %q, want due date rendered", body)
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "t", Subject: "Hi {{name}}", Body: "{{unknown}}"})

	subject, body, err := eng.Render("t", map[string]string{"name": "Sam"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hi Sam" || body != "{{unknown}}" {
		t.Fatalf("got subject %q body %q", subject, body)
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

// ---------------------------------------------------------------------------
// Manager Tests
// ---------------------------------------------------------------------------

func TestManager_SendRecordsSuccess(t *testing.T) {
	sender := &stubSender{code: 200}
	log := NewMemoryLog()
	mgr := NewManager(sender, NewTemplateEngine(), log, zerolog.Nop())
	id := uuid.New()

	n, err := mgr.SendFromTemplate(context.Background(), id, "student-1", TemplateAssignmentActivated, map[string]string{"room_id": "7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != StatusSent || n.SentAt == nil || n.StatusCode != 200 {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Channel != ChannelWebhook {
		t.Fatalf("expected channel webhook, got %q", n.Channel)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sender.calls))
	}

	history, err := mgr.History(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].ID != n.ID {
		t.Fatalf("expected history with the notification, got %+v", history)
	}
	if log.Stats()[StatusSent] != 1 {
		t.Fatalf("expected 1 sent, got %v", log.Stats())
	}
}

func TestManager_SendRecordsFailure(t *testing.T) {
	sender := &stubSender{code: 500, err: errors.New("boom")}
	log := NewMemoryLog()
	mgr := NewManager(sender, NewTemplateEngine(), log, zerolog.Nop())

	n, err := mgr.SendFromTemplate(context.Background(), uuid.New(), "s", TemplateAssignmentActivated, nil)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if n.Status != StatusFailed || n.Error != "boom" || n.SentAt != nil {
		t.Fatalf("unexpected notification %+v", n)
	}
	if log.Stats()[StatusFailed] != 1 {
		t.Fatalf("expected 1 failed, got %v", log.Stats())
	}
}

func TestManager_RenderErrorSendsNothing(t *testing.T) {
	sender := &stubSender{}
	mgr := NewManager(sender, NewTemplateEngine(), NewMemoryLog(), zerolog.Nop())

	if _, err := mgr.SendFromTemplate(context.Background(), uuid.New(), "s", "missing", nil); err == nil {
		t.Fatal("expected render error")
	}
	if len(sender.calls) != 0 {
		t.Fatal("expected no delivery")
	}
}

func TestMemoryLog_NewestFirstAndLimit(t *testing.T) {
	log := NewMemoryLog()
	id := uuid.New()
	for i := 0; i < 3; i++ {
		log.Record(context.Background(), &Notification{ID: uuid.New(), AssignmentID: id, Body: string(rune('a' + i))})
	}
	log.Record(context.Background(), &Notification{ID: uuid.New(), AssignmentID: uuid.New()})

	list, _ := log.ListByAssignment(context.Background(), id, 2)
	if len(list) != 2 || list[0].Body != "c" || list[1].Body != "b" {
		t.Fatalf("unexpected list %+v", list)
	}
}

// ---------------------------------------------------------------------------
// Sender Tests
// ---------------------------------------------------------------------------

func TestWebhookSender_DeliversSignedEvent(t *testing.T) {
	var body []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook, err := webhook.NewSender(srv.URL, "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr := NewManager(NewWebhookSender(hook), NewTemplateEngine(), NewMemoryLog(), zerolog.Nop())

	id := uuid.New()
	n, err := mgr.SendFromTemplate(context.Background(), id, "student-9", TemplateAssignmentActivated, map[string]string{"room_id": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", n.StatusCode)
	}
	if !webhook.VerifySignature(body, "secret", sig) {
		t.Fatal("signature did not verify")
	}

	var ev webhook.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("bad event: %v", err)
	}
	if ev.Type != TemplateAssignmentActivated || ev.ResourceID != id.String() || ev.ID != n.ID.String() {
		t.Fatalf("unexpected event %+v", ev)
	}
	var payload webhookPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.Recipient != "student-9" || !strings.Contains(payload.Subject, "room 3") {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestWebhookSender_FailureCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook, _ := webhook.NewSender(srv.URL, "secret")
	code, err := NewWebhookSender(hook).Deliver(context.Background(), &Notification{ID: uuid.New(), TemplateID: TemplateAssignmentActivated})
	if err == nil || code != http.StatusBadGateway {
		t.Fatalf("expected 502 failure, got %d %v", code, err)
	}
}

// ---------------------------------------------------------------------------
// Handler Tests
// ---------------------------------------------------------------------------

func TestHandler_List(t *testing.T) {
	mgr := NewManager(&stubSender{}, NewTemplateEngine(), NewMemoryLog(), zerolog.Nop())
	id := uuid.New()
	mgr.SendFromTemplate(context.Background(), id, "s", TemplateAssignmentActivated, nil)

	e := echo.New()
	NewHandler(mgr).RegisterRoutes(e.Group("/admin"))

	req := httptest.NewRequest(http.MethodGet, "/admin/notifications?assignment_id="+id.String(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var list []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(list) != 1 || list[0].AssignmentID != id {
		t.Fatalf("unexpected list %+v", list)
	}
	if got := rec.Header().Get("X-Has-More"); got != "false" {
		t.Errorf("X-Has-More = %q, want false", got)
	}
}

func TestHandler_ListValidation(t *testing.T) {
	mgr := NewManager(&stubSender{}, NewTemplateEngine(), NewMemoryLog(), zerolog.Nop())
	e := echo.New()
	NewHandler(mgr).RegisterRoutes(e.Group(""))

	for _, q := range []string{"", "?assignment_id=nope", "?assignment_id=" + uuid.NewString() + "&limit=0"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications?assignment_id="+uuid.NewString(), nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rec.Code, rec.Body.String())
	}
}
