package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/simchat/internal/domain/chat"
)

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient("  ", "k"); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
}

func TestClient_GenerateOpening(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/opening" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected Authorization %q", got)
		}
		var req openingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.AssignmentID != id {
			t.Errorf("expected assignment %s, got %s", id, req.AssignmentID)
		}
		w.Write([]byte(`{"text":"  Hi, Dr. Lee here.  "}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL+"/", "key-1")
	text, err := c.GenerateOpening(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hi, Dr. Lee here." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestClient_RespondSkipsSystemMarkers(t *testing.T) {
	var got respondRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"text":"Give 1 L NS."}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	id := uuid.New()
	reply, err := c.Respond(context.Background(), id, []chat.Message{
		{Role: chat.RoleAssistant, Content: "What's up?"},
		{Role: chat.RoleStudent, Content: "BP is 80/50"},
		{Role: chat.RoleSystem, Content: "closed"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "BP is 80/50" {
		t.Fatalf("unexpected request %+v", got)
	}
	if reply == nil || reply.Role != chat.RoleAssistant || reply.AssignmentID != id || reply.Content != "Give 1 L NS." {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestClient_RespondEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	reply, err := c.Respond(context.Background(), uuid.New(), nil)
	if err != nil || reply != nil {
		t.Fatalf("expected no reply and no error, got %+v %v", reply, err)
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	err := c.Generate(context.Background(), uuid.New())

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Path != "/v1/feedback" || se.Body != "model overloaded" {
		t.Fatalf("unexpected error %+v", se)
	}
}

func TestClient_FeedbackSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	if err := c.Generate(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GenerateOpening(ctx, uuid.New()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOffline(t *testing.T) {
	o := NewOffline()
	text, err := o.GenerateOpening(context.Background(), uuid.New())
	if err != nil || text == "" {
		t.Fatalf("expected canned opening, got %q %v", text, err)
	}
	reply, _ := o.Respond(context.Background(), uuid.New(), nil)
	if reply == nil || reply.Role != chat.RoleAssistant {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if err := o.Generate(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
