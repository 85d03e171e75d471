package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// maxBodyBytes caps the accepted webhook body size.
const maxBodyBytes = 256 * 1024

// Handler is the Echo HTTP receiver for inbound provider webhooks. It
// persists the raw delivery and enqueues it for asynchronous processing,
// returning as soon as the write is durable — verification and
// normalization happen off the request path.
type Handler struct {
	store store.Querier
	enq   Enqueuer
	log   *zap.Logger
}

// Enqueuer is the subset of Pipeline/WorkerPool the handler needs:
// durable persistence plus a queue handoff.
type Enqueuer interface {
	InsertAndEnqueue(c echo.Context, job Job) error
}

// NewHandler constructs a Handler.
func NewHandler(s store.Querier, e Enqueuer, log *zap.Logger) *Handler {
	return &Handler{store: s, enq: e, log: log}
}

// Register mounts the webhook receiver routes.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/webhooks")
	g.POST("/:org_slug/:source", h.Receive)
}

// Receive reads and persists a raw webhook delivery, then enqueues it.
//
// This handler never verifies the signature itself — verification
// requires the connection's secret, looked up by the worker, so a bad
// signature still returns 200 here (preventing the provider from
// retry-storming us) and is instead recorded as a skipped RawWebhookLog
// by the worker. The only auth at this layer is that the (org, source)
// pair in the URL must name a known billing connection (401 otherwise).
func (h *Handler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	source := domain.Source(c.Param("source"))

	org, err := h.store.GetOrganizationBySlug(ctx, c.Param("org_slug"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unknown organization"})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	}
	conn, err := h.store.GetBillingConnection(ctx, org.ID, source)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unknown source"})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "could not read body"})
	}
	if len(body) > maxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}

	job := Job{
		LogID:        uuid.New(),
		ConnectionID: conn.ID,
		OrgID:        org.ID,
		Source:       source,
		Body:         body,
		Headers:      map[string][]string(c.Request().Header),
	}

	if err := h.enq.InsertAndEnqueue(c, job); err != nil {
		if errors.Is(err, ErrBackpressure) {
			// The raw row is durable; only the in-memory handoff is full.
			// Tell the provider to retry later.
			return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": false, "retry": true})
		}
		h.log.Error("failed to persist/enqueue webhook", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "could not accept webhook"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
