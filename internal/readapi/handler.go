// Package readapi serves the read-only dashboard projections: summary,
// revenue impact, entitlement health, events listing, and user
// profile. All endpoints are thin over store.Querier, the same
// handler-over-Querier shape as internal/issue and internal/health.
package readapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store"
)

// Handler serves the dashboard read routes.
type Handler struct {
	store store.Querier
}

// NewHandler constructs a Handler.
func NewHandler(s store.Querier) *Handler { return &Handler{store: s} }

// Register mounts the read routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/v1/summary", h.Summary)
	e.GET("/v1/revenue-impact", h.RevenueImpact)
	e.GET("/v1/entitlements/health", h.EntitlementHealth)
	e.GET("/v1/events", h.Events)
	e.GET("/v1/users/:id", h.UserProfile)
}

func orgFrom(c echo.Context) (uuid.UUID, bool) {
	return httpctx.GetOrgID(c.Request().Context())
}

type summaryResponse struct {
	OpenIssues        map[domain.IssueSeverity]int `json:"openIssues"`
	ActiveConnections int                          `json:"activeConnections"`
	EventsLast24h     int                          `json:"eventsLast24h"`
}

// Summary returns the top-of-dashboard counters.
func (h *Handler) Summary(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := orgFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}

	issues, err := h.store.ListIssues(ctx, orgID, store.IssueFilter{Limit: 1000})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	bySeverity := map[domain.IssueSeverity]int{}
	for _, i := range issues {
		bySeverity[i.Severity]++
	}

	conns, err := h.store.ListActiveBillingConnections(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	active := 0
	events24h := 0
	since := time.Now().UTC().Add(-24 * time.Hour)
	for _, conn := range conns {
		if conn.OrganizationID != orgID {
			continue
		}
		active++
		recent, err := h.store.ListCanonicalEventsSince(ctx, orgID, conn.Source, since)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		events24h += len(recent)
	}

	return c.JSON(http.StatusOK, summaryResponse{
		OpenIssues: bySeverity, ActiveConnections: active, EventsLast24h: events24h,
	})
}

type revenueImpactResponse struct {
	OpenIssueCount        int   `json:"openIssueCount"`
	EstimatedRevenueCents int64 `json:"estimatedRevenueCents"`
}

// RevenueImpact sums the revenue-at-risk across live issues.
func (h *Handler) RevenueImpact(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := orgFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}
	issues, err := h.store.ListIssues(ctx, orgID, store.IssueFilter{Limit: 1000})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	var total int64
	for _, i := range issues {
		if i.EstimatedRevenueCents != nil {
			total += *i.EstimatedRevenueCents
		}
	}
	return c.JSON(http.StatusOK, revenueImpactResponse{OpenIssueCount: len(issues), EstimatedRevenueCents: total})
}

// EntitlementHealth returns the per-state entitlement distribution.
func (h *Handler) EntitlementHealth(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := orgFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}
	counts, err := h.store.CountEntitlementsByState(ctx, orgID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"states": counts})
}

// Events lists the organization's canonical events, newest first.
func (h *Handler) Events(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := orgFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}
	limit := atoiOr(c.QueryParam("limit"), 50)
	offset := atoiOr(c.QueryParam("offset"), 0)
	events, err := h.store.ListOrgCanonicalEvents(ctx, orgID, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

type userProfileResponse struct {
	User         domain.User           `json:"user"`
	Identities   []domain.UserIdentity `json:"identities"`
	Entitlements []domain.Entitlement  `json:"entitlements"`
}

// UserProfile returns a user with their identities and entitlements.
func (h *Handler) UserProfile(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := orgFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user id"})
	}

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if user.OrganizationID != orgID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
	}

	identities, err := h.store.ListUserIdentities(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	entitlements, err := h.store.ListEntitlementsForUser(ctx, orgID, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, userProfileResponse{User: user, Identities: identities, Entitlements: entitlements})
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
