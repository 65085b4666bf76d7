package assignment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/simchat/internal/domain/chat"
	"github.com/ehr/simchat/internal/platform/auth"
)

const assignmentKey = "assignment"

type Handler struct {
	svc      *Service
	sessions *chat.Registry
	poller   *Poller
}

func NewHandler(svc *Service, sessions *chat.Registry, poller *Poller) *Handler {
	return &Handler{svc: svc, sessions: sessions, poller: poller}
}

// RegisterRoutes mounts lifecycle endpoints. g is rooted at /assignments/:id
// and guarded by RequireAccess; admin is the administrative group.
func (h *Handler) RegisterRoutes(g *echo.Group, admin *echo.Group) {
	g.GET("", h.GetAssignment)
	g.POST("/open", h.OpenAssignment)
	g.POST("/complete", h.CompleteAssignment)
	g.POST("/bedside", h.ProceedToBedside)

	admin.POST("/lifecycle/poll", h.RunPoll, auth.RequireRole(auth.RoleAdmin))
}

// RequireAccess loads the assignment named by :id and lets the request
// through only for its student, instructors and admins.
func (h *Handler) RequireAccess(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		a, err := h.svc.Get(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		if !auth.CanActFor(c.Request().Context(), a.StudentID.String()) {
			return echo.NewHTTPError(http.StatusForbidden, "assignment belongs to another student")
		}
		c.Set(assignmentKey, a)
		return next(c)
	}
}

// RequireOpen rejects writes to the conversation of a finished encounter.
// It must run after RequireAccess.
func (h *Handler) RequireOpen(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		a, ok := c.Get(assignmentKey).(*Assignment)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, "assignment not loaded")
		}
		if a.Status.Terminal() {
			return echo.NewHTTPError(http.StatusConflict, "encounter is "+string(a.Status))
		}
		return next(c)
	}
}

// OpenResponse is returned when a conversation is opened.
type OpenResponse struct {
	Assignment *Assignment           `json:"assignment"`
	Opened     bool                  `json:"opened"`
	View       chat.ConversationView `json:"conversation"`
}

func (h *Handler) GetAssignment(c echo.Context) error {
	a, ok := c.Get(assignmentKey).(*Assignment)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "assignment not loaded")
	}
	return c.JSON(http.StatusOK, a)
}

// OpenAssignment starts the encounter when needed and opens its chat
// session. Finished encounters are attached read-only.
func (h *Handler) OpenAssignment(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Open(ctx, id)
	if err != nil {
		return httpError(err)
	}

	open := h.sessions.Open
	if a.Status.Terminal() {
		open = h.sessions.Attach
	}
	s, res, err := open(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, OpenResponse{
		Assignment: a,
		Opened:     res.Opened,
		View:       chat.View(s.Reconciler()),
	})
}

func (h *Handler) CompleteAssignment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Complete(c.Request().Context(), id, TriggerStudent)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ProceedToBedside(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.ProceedToBedside(c.Request().Context(), id, TriggerStudent)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// RunPoll runs one lifecycle poll cycle immediately, ignoring the session gate.
func (h *Handler) RunPoll(c echo.Context) error {
	if h.poller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "poller disabled")
	}
	return c.JSON(http.StatusOK, h.poller.RunCycle(c.Request().Context()))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
