package chat

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	registry *Registry
	store    MessageStore
}

func NewHandler(registry *Registry, store MessageStore) *Handler {
	return &Handler{registry: registry, store: store}
}

// RegisterRoutes mounts the conversation endpoints on a group rooted at
// /assignments/:id. Access control is applied by the caller; send runs
// only in front of the write endpoint.
func (h *Handler) RegisterRoutes(g *echo.Group, send ...echo.MiddlewareFunc) {
	g.GET("/messages", h.ListMessages)
	g.POST("/messages", h.SendMessage, send...)
	g.POST("/messages/refresh", h.Refresh)
	g.DELETE("/session", h.CloseSession)
}

// ConversationView is the projection returned to clients.
type ConversationView struct {
	Messages []Message `json:"messages"`
	Typing   bool      `json:"typing"`
	Live     bool      `json:"live"`
}

type sendRequest struct {
	Content string `json:"content"`
}

func assignmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ListMessages returns the live projection of an open session, or the
// stored conversation when no session is open.
func (h *Handler) ListMessages(c echo.Context) error {
	id, err := assignmentID(c)
	if err != nil {
		return err
	}
	if s, err := h.registry.Get(id); err == nil {
		return c.JSON(http.StatusOK, View(s.Reconciler()))
	}

	rows, err := h.store.ListByAssignment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	msgs := make([]Message, len(rows))
	for i, m := range rows {
		msgs[i] = *m
	}
	return c.JSON(http.StatusOK, ConversationView{Messages: msgs})
}

func (h *Handler) SendMessage(c echo.Context) error {
	id, err := assignmentID(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.registry.Get(id)
	if err != nil {
		return httpError(err)
	}
	m, err := s.Send(c.Request().Context(), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) Refresh(c echo.Context) error {
	id, err := assignmentID(c)
	if err != nil {
		return err
	}
	s, err := h.registry.Get(id)
	if err != nil {
		return httpError(err)
	}
	if _, err := s.Refresh(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, View(s.Reconciler()))
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := assignmentID(c)
	if err != nil {
		return err
	}
	if !h.registry.Close(id) {
		return echo.NewHTTPError(http.StatusNotFound, ErrSessionNotFound.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// View builds the client projection of a reconciler.
func View(r *Reconciler) ConversationView {
	return ConversationView{
		Messages: r.Visible(),
		Typing:   r.Typing(),
		Live:     !r.Closed(),
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
