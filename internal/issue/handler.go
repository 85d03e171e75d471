package issue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store"
)

// Handler exposes the issue-listing and lifecycle-transition HTTP
// surface.
type Handler struct {
	svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register mounts the issue routes.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/v1/issues")
	g.GET("", h.List)
	g.POST("/:id/acknowledge", h.Acknowledge)
	g.POST("/:id/resolve", h.Resolve)
	g.POST("/:id/dismiss", h.Dismiss)
}

// List implements GET /issues?status=&severity=&issueType=&limit=&offset=
// . All filters are optional; an absent status defaults to
// the open+acknowledged "live" view.
func (h *Handler) List(c echo.Context) error {
	orgID, ok := httpctx.GetOrgID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}
	filter := store.IssueFilter{
		Status:      domain.IssueState(c.QueryParam("status")),
		MinSeverity: domain.IssueSeverity(firstNonEmpty(c.QueryParam("severity"), c.QueryParam("min_severity"))),
		Detector:    domain.DetectorKind(c.QueryParam("issueType")),
		Limit:       atoiOr(c.QueryParam("limit"), 0),
		Offset:      atoiOr(c.QueryParam("offset"), 0),
	}
	issues, err := h.svc.ListFiltered(c.Request().Context(), orgID, filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, issues)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

type transitionRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) Acknowledge(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) error {
		return h.svc.Acknowledge(c.Request().Context(), id)
	})
}

func (h *Handler) Resolve(c echo.Context) error {
	var req transitionRequest
	_ = c.Bind(&req)
	return h.transition(c, func(id uuid.UUID) error {
		return h.svc.Resolve(c.Request().Context(), id, req.Resolution)
	})
}

func (h *Handler) Dismiss(c echo.Context) error {
	var req transitionRequest
	_ = c.Bind(&req)
	return h.transition(c, func(id uuid.UUID) error {
		return h.svc.Dismiss(c.Request().Context(), id, req.Resolution)
	})
}

func (h *Handler) transition(c echo.Context, fn func(uuid.UUID) error) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid issue id"})
	}
	if err := fn(id); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "issue not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusOK)
}
