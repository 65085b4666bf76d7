// Package notification renders templated notifications, delivers them over
// a configured channel and keeps a delivery log.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/webhook"
	"github.com/ehr/simchat/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Channel is the transport a notification is delivered over.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// TemplateAssignmentActivated is sent once when an assignment becomes active.
const TemplateAssignmentActivated = "assignment-activated"

// Notification is one delivery and its outcome.
type Notification struct {
	ID           uuid.UUID         `json:"id"`
	AssignmentID uuid.UUID         `json:"assignment_id"`
	Recipient    string            `json:"recipient"`
	Channel      Channel           `json:"channel"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	StatusCode   int               `json:"status_code,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// Sender delivers a rendered notification. The returned status code is the
// transport's response code, or 0 when it has none.
type Sender interface {
	Channel() Channel
	Deliver(ctx context.Context, n *Notification) (int, error)
}

// WebhookSender delivers notifications as signed webhook events.
type WebhookSender struct {
	hook *webhook.Sender
}

func NewWebhookSender(hook *webhook.Sender) *WebhookSender {
	return &WebhookSender{hook: hook}
}

func (s *WebhookSender) Channel() Channel { return ChannelWebhook }

type webhookPayload struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

func (s *WebhookSender) Deliver(ctx context.Context, n *Notification) (int, error) {
	payload, err := json.Marshal(webhookPayload{
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Body:      n.Body,
		Data:      n.TemplateData,
	})
	if err != nil {
		return 0, fmt.Errorf("encode notification: %w", err)
	}
	attempt := s.hook.Send(ctx, webhook.Event{
		ID:           n.ID.String(),
		Type:         n.TemplateID,
		ResourceType: "assignment",
		ResourceID:   n.AssignmentID.String(),
		Payload:      payload,
	})
	if !attempt.Succeeded() {
		return attempt.StatusCode, errors.New(attempt.Error)
	}
	return attempt.StatusCode, nil
}

// LogSender writes notifications to the application log. It is used when no
// external channel is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Channel() Channel { return ChannelLog }

func (s *LogSender) Deliver(_ context.Context, n *Notification) (int, error) {
	s.logger.Info().
		Str("assignment_id", n.AssignmentID.String()).
		Str("recipient", n.Recipient).
		Str("template", n.TemplateID).
		Str("subject", n.Subject).
		Msg(n.Body)
	return 0, nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.RegisterTemplate(Template{
		ID:      TemplateAssignmentActivated,
		Name:    "Assignment Activated",
		Subject: "Your encounter in room {{room_id}} is now active",
		Body:    "Your simulated patient encounter is open. Chat with the provider before {{due_date}}.",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Delivery Log
// ---------------------------------------------------------------------------

// DeliveryLog persists the outcome of every delivery.
type DeliveryLog interface {
	Record(ctx context.Context, n *Notification) error
	ListByAssignment(ctx context.Context, assignmentID uuid.UUID, limit int) ([]*Notification, error)
}

// MemoryLog is a DeliveryLog held in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Notification
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Record(_ context.Context, n *Notification) error {
	cp := *n
	l.mu.Lock()
	l.entries = append(l.entries, &cp)
	l.mu.Unlock()
	return nil
}

// ListByAssignment returns the newest entries first.
func (l *MemoryLog) ListByAssignment(_ context.Context, assignmentID uuid.UUID, limit int) ([]*Notification, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Notification
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if l.entries[i].AssignmentID == assignmentID {
			cp := *l.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Stats returns counts of logged notifications grouped by status.
func (l *MemoryLog) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range l.entries {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// Notification Manager
// ---------------------------------------------------------------------------

// Manager renders, sends and logs notifications.
type Manager struct {
	sender    Sender
	templates *TemplateEngine
	log       DeliveryLog
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(sender Sender, templates *TemplateEngine, log DeliveryLog, logger zerolog.Logger) *Manager {
	return &Manager{
		sender:    sender,
		templates: templates,
		log:       log,
		logger:    logger.With().Str("component", "notification").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send makes one delivery attempt and logs its outcome. The delivery error
// is returned; a logging failure is only reported.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = m.now()
	n.Channel = m.sender.Channel()

	code, sendErr := m.sender.Deliver(ctx, n)
	n.StatusCode = code
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
	} else {
		n.Status = StatusSent
		sentAt := m.now()
		n.SentAt = &sentAt
	}

	if err := m.log.Record(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("failed to record delivery")
	}
	return sendErr
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, assignmentID uuid.UUID, recipient, templateID string, data map[string]string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		AssignmentID: assignmentID,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return n, m.Send(ctx, n)
}

// History returns the logged deliveries for an assignment.
func (m *Manager) History(ctx context.Context, assignmentID uuid.UUID, limit int) ([]*Notification, error) {
	list, err := m.log.ListByAssignment(ctx, assignmentID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery log over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/notifications", h.HandleList, m...)
}

// HandleList handles GET /notifications?assignment_id=...&limit=...
func (h *Handler) HandleList(c echo.Context) error {
	id, err := uuid.Parse(c.QueryParam("assignment_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "assignment_id query parameter must be a UUID")
	}
	page, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	list, err := h.manager.History(c.Request().Context(), id, page.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list notifications")
	}
	if list == nil {
		list = []*Notification{}
	}
	c.Response().Header().Set("X-Has-More", strconv.FormatBool(page.Truncated(len(list))))
	return c.JSON(http.StatusOK, list)
}
