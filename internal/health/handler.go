// Package health exposes the connection-health read projection:
// last-webhook freshness and 24h delivery counters, one of the
// read-only dashboard surfaces, in the same thin-read-API shape as
// internal/issue's Handler.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store"
)

// Handler serves GET /v1/connections/health.
type Handler struct {
	store store.Querier
}

// NewHandler constructs a Handler.
func NewHandler(s store.Querier) *Handler { return &Handler{store: s} }

// Register mounts the health routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/v1/connections/health", h.List)
}

// connectionHealth is the per-connection read projection: last-webhook
// freshness and a 24h delivery counter.
type connectionHealth struct {
	Source           domain.Source           `json:"source"`
	Status           domain.ConnectionStatus `json:"status"`
	LastWebhookAt    *time.Time              `json:"lastWebhookAt,omitempty"`
	FreshnessSeconds *float64                `json:"freshnessSeconds,omitempty"`
	EventCount24h    int                     `json:"eventCount24h"`
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := httpctx.GetOrgID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}

	conns, err := h.store.ListActiveBillingConnections(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	now := time.Now().UTC()
	out := make([]connectionHealth, 0, len(conns))
	for _, conn := range conns {
		if conn.OrganizationID != orgID {
			continue
		}
		ch := connectionHealth{Source: conn.Source, Status: conn.Status, LastWebhookAt: conn.LastWebhookAt}
		if conn.LastWebhookAt != nil {
			secs := now.Sub(*conn.LastWebhookAt).Seconds()
			ch.FreshnessSeconds = &secs
		}
		count, err := countEventsSince(ctx, h.store, conn, now.Add(-24*time.Hour))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		ch.EventCount24h = count
		out = append(out, ch)
	}
	return c.JSON(http.StatusOK, out)
}

func countEventsSince(ctx context.Context, s store.Querier, conn domain.BillingConnection, since time.Time) (int, error) {
	events, err := s.ListCanonicalEventsSince(ctx, conn.OrganizationID, conn.Source, since)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
