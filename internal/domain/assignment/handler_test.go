package assignment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/domain/chat"
	"github.com/ehr/simchat/internal/platform/auth"
)

type staticOpener struct{ text string }

func (o staticOpener) GenerateOpening(context.Context, uuid.UUID) (string, error) {
	return o.text, nil
}

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	reg := chat.NewRegistry(f.messages, staticOpener{text: "Good afternoon, Dr. Lee speaking."}, nil, f.clock,
		chat.SessionConfig{}, nil, zerolog.Nop())
	p := NewPoller(f.repo, f.svc, newFakeNotifier(), f.clock, zerolog.Nop())
	return NewHandler(f.svc, reg, p), f
}

func requestAs(method string, id uuid.UUID, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", nil)
	req = req.WithContext(auth.WithUser(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c, rec
}

func TestRequireAccess(t *testing.T) {
	h, f := newTestHandler(t)
	a := f.create(t, StatusAssigned, -time.Minute)

	tests := []struct {
		name  string
		user  string
		roles []string
		want  int
	}{
		{"owner", a.StudentID.String(), []string{auth.RoleStudent}, http.StatusOK},
		{"other student", uuid.New().String(), []string{auth.RoleStudent}, http.StatusForbidden},
		{"instructor", "instructor-1", []string{auth.RoleInstructor}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := requestAs(http.MethodGet, a.ID, tt.user, tt.roles...)
			err := h.RequireAccess(h.GetAssignment)(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.want {
				t.Fatalf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestRequireAccess_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	c, _ := requestAs(http.MethodGet, uuid.New(), "admin", auth.RoleAdmin)

	err := h.RequireAccess(h.GetAssignment)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestRequireOpen_RejectsMessagesToFinishedEncounter(t *testing.T) {
	h, f := newTestHandler(t)
	e := echo.New()
	g := e.Group("/assignments/:id", h.RequireAccess)
	chat.NewHandler(h.sessions, f.messages).RegisterRoutes(g, h.RequireOpen)

	inProgress := f.create(t, StatusInProgress, -time.Minute)
	completed := f.create(t, StatusInProgress, -time.Minute)
	bedside := f.create(t, StatusInProgress, -time.Minute)
	for _, a := range []*Assignment{inProgress, completed, bedside} {
		if _, _, err := h.sessions.Open(context.Background(), a.ID); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if _, err := f.svc.Complete(context.Background(), completed.ID, TriggerStudent); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.ProceedToBedside(context.Background(), bedside.ID, TriggerStudent); err != nil {
		t.Fatalf("bedside: %v", err)
	}
	f.svc.Wait()

	post := func(a *Assignment) int {
		req := httptest.NewRequest(http.MethodPost, "/assignments/"+a.ID.String()+"/messages", strings.NewReader(`{"content":"Any chest pain?"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(auth.WithUser(req.Context(), a.StudentID.String(), []string{auth.RoleStudent}))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(inProgress); code != http.StatusCreated {
		t.Errorf("in_progress: expected 201, got %d", code)
	}
	for _, a := range []*Assignment{completed, bedside} {
		before := f.messages.Count(a.ID)
		if code := post(a); code != http.StatusConflict {
			t.Errorf("%s: expected 409, got %d", a.ID, code)
		}
		if f.messages.Count(a.ID) != before {
			t.Errorf("%s: message stored for a finished encounter", a.ID)
		}
	}
}

func TestOpenAssignment_CreatesOpening(t *testing.T) {
	h, f := newTestHandler(t)
	a := f.create(t, StatusAssigned, -time.Minute)

	c, rec := requestAs(http.MethodPost, a.ID, a.StudentID.String(), auth.RoleStudent)
	if err := h.OpenAssignment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp OpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Assignment.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", resp.Assignment.Status)
	}
	if !resp.Opened {
		t.Error("expected an opening message to be created")
	}
	if !resp.View.Typing {
		t.Error("expected the opening to be pending behind the typing indicator")
	}
	if f.messages.Count(a.ID) != 1 {
		t.Errorf("expected 1 stored message, got %d", f.messages.Count(a.ID))
	}
}

func TestOpenAssignment_FinishedIsReadOnly(t *testing.T) {
	h, f := newTestHandler(t)
	a := f.create(t, StatusCompleted, -3*time.Hour)

	c, rec := requestAs(http.MethodPost, a.ID, a.StudentID.String(), auth.RoleStudent)
	if err := h.OpenAssignment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp OpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Opened || f.messages.Count(a.ID) != 0 {
		t.Error("a finished encounter must not get an opening message")
	}
}

func TestCompleteAssignment(t *testing.T) {
	h, f := newTestHandler(t)
	a := f.create(t, StatusInProgress, -time.Minute)

	c, rec := requestAs(http.MethodPost, a.ID, a.StudentID.String(), auth.RoleStudent)
	if err := h.CompleteAssignment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = requestAs(http.MethodPost, a.ID, a.StudentID.String(), auth.RoleStudent)
	err := h.CompleteAssignment(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second completion, got %v", err)
	}
	f.svc.Wait()
}

func TestProceedToBedside(t *testing.T) {
	h, f := newTestHandler(t)
	a := f.create(t, StatusInProgress, -time.Minute)

	c, rec := requestAs(http.MethodPost, a.ID, a.StudentID.String(), auth.RoleStudent)
	if err := h.ProceedToBedside(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.svc.Wait()

	var got Assignment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusBedside {
		t.Errorf("expected bedside, got %s", got.Status)
	}
}

func TestRunPoll(t *testing.T) {
	h, f := newTestHandler(t)
	f.create(t, StatusAssigned, -2*time.Hour)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	if err := h.RunPoll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.svc.Wait()

	var res PollResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Completed != 1 || res.Notified != 1 {
		t.Errorf("expected one completion and one notification, got %+v", res)
	}
}
