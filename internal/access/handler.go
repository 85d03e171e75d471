// Package access implements the access-check ingress: the app-side SDK
// fires attestations ("this user does/does not have access right now")
// that are appended and later consulted by the app_verified detector
// tier. The external-ref → user resolution is cached in Redis since
// this endpoint is deliberately cheap and high-volume.
package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store"
)

// unresolvedTTL is how long an AccessCheck with no identity match is
// retained for later replay once identity resolution catches up.
const unresolvedTTL = 24 * time.Hour

// maxBatchSize caps the batch access-check endpoint.
const maxBatchSize = 500

// redisRefKeyFmt caches a resolved external-ref → user id mapping for a
// short window. Short TTL: an identity merge can remap the ref at any
// moment.
const redisRefKeyFmt = "access:ref:%s:%s"
const refCacheTTL = 60 * time.Second

// Handler serves the access-check ingress routes.
type Handler struct {
	store store.Querier
	redis *redis.Client
	log   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(s store.Querier, r *redis.Client, log *zap.Logger) *Handler {
	return &Handler{store: s, redis: r, log: log}
}

// Register mounts the access-check routes.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/api/v1/access-checks")
	g.POST("", h.Submit)
	g.POST("/batch", h.SubmitBatch)
}

type checkRequest struct {
	User       string     `json:"user"`
	HasAccess  bool       `json:"hasAccess"`
	ObservedAt *time.Time `json:"observedAt"`
	SourceTag  string     `json:"sourceTag"`
}

type checkResponse struct {
	OK           bool `json:"ok"`
	UserResolved bool `json:"userResolved"`
}

type batchRequest struct {
	Records []checkRequest `json:"records"`
}

type batchResponse struct {
	OK       bool `json:"ok"`
	Accepted int  `json:"accepted"`
	Resolved int  `json:"resolved"`
}

// Submit appends a single attestation. The only side effects are the
// append and a best-effort identity resolution — the endpoint is
// fire-and-forget on the client side and must stay cheap.
func (h *Handler) Submit(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := httpctx.GetOrgID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}

	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.User == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user is required"})
	}

	check := h.buildCheck(ctx, orgID, req)
	if err := h.store.RecordAccessCheck(ctx, check); err != nil {
		h.log.Error("failed to record access check", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	}

	return c.JSON(http.StatusOK, checkResponse{OK: true, UserResolved: check.UserID != nil})
}

// SubmitBatch appends up to maxBatchSize attestations atomically.
func (h *Handler) SubmitBatch(c echo.Context) error {
	ctx := c.Request().Context()
	orgID, ok := httpctx.GetOrgID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing organization context"})
	}

	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Records) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "records is required"})
	}
	if len(req.Records) > maxBatchSize {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("batch exceeds max size %d", maxBatchSize)})
	}

	checks := make([]domain.AccessCheck, 0, len(req.Records))
	resolved := 0
	for _, r := range req.Records {
		if r.User == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "every record needs a user"})
		}
		check := h.buildCheck(ctx, orgID, r)
		if check.UserID != nil {
			resolved++
		}
		checks = append(checks, check)
	}

	if err := h.store.RecordAccessCheckBatch(ctx, checks); err != nil {
		h.log.Error("failed to record access check batch", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	}
	return c.JSON(http.StatusOK, batchResponse{OK: true, Accepted: len(checks), Resolved: resolved})
}

func (h *Handler) buildCheck(ctx context.Context, orgID uuid.UUID, req checkRequest) domain.AccessCheck {
	observed := time.Now().UTC()
	if req.ObservedAt != nil {
		observed = req.ObservedAt.UTC()
	}
	check := domain.AccessCheck{
		ID: uuid.New(), OrganizationID: orgID,
		ExternalUserRef: req.User, HasAccess: req.HasAccess,
		ObservedAt: observed, SourceTag: req.SourceTag,
		ExpiresAt: time.Now().UTC().Add(unresolvedTTL),
	}
	if userID, ok := h.resolveRef(ctx, orgID, req.User); ok {
		check.UserID = &userID
	}
	return check
}

// resolveRef maps an app-side user ref to an internal user, cache-aside
// through Redis. The ref may be an email or any provider-native id the
// identity resolver has seen; a miss is not an error — the check is
// stored unresolved and replayed when a matching identity appears.
func (h *Handler) resolveRef(ctx context.Context, orgID uuid.UUID, ref string) (uuid.UUID, bool) {
	cacheKey := fmt.Sprintf(redisRefKeyFmt, orgID, ref)
	if h.redis != nil {
		if cached, err := h.redis.Get(ctx, cacheKey).Result(); err == nil {
			if id, err := uuid.Parse(cached); err == nil {
				return id, true
			}
		}
	}

	userID, found := lookupRef(ctx, h.store, h.log, orgID, ref)
	if !found {
		return uuid.UUID{}, false
	}

	if h.redis != nil {
		if err := h.redis.Set(ctx, cacheKey, userID.String(), refCacheTTL).Err(); err != nil {
			h.log.Warn("failed to cache access ref resolution", zap.Error(err))
		}
	}
	return userID, true
}

// normalizeRef matches the identity resolver's email normalization so a
// mixed-case ref still hits the stored comparison key.
func normalizeRef(ref string) string {
	return strings.TrimSpace(strings.ToLower(ref))
}

// lookupRef tries the ref as an email identity first, then as a
// provider-native id under each known source namespace.
func lookupRef(ctx context.Context, s store.Querier, log *zap.Logger, orgID uuid.UUID, ref string) (uuid.UUID, bool) {
	if userID, found, err := s.FindUserIdentity(ctx, orgID, domain.IdentityEmail, normalizeRef(ref)); err == nil && found {
		return userID, true
	} else if err != nil {
		log.Error("access ref email lookup failed", zap.Error(err))
		return uuid.UUID{}, false
	}
	for _, src := range []domain.Source{domain.SourceStripe, domain.SourceAppleIAP, domain.SourceGooglePlay, domain.SourceRecurly} {
		userID, found, err := s.FindUserIdentity(ctx, orgID, domain.IdentityProviderID, string(src)+":"+ref)
		if err != nil {
			log.Error("access ref provider lookup failed", zap.Error(err))
			return uuid.UUID{}, false
		}
		if found {
			return userID, true
		}
	}
	return uuid.UUID{}, false
}

// Replayer adapts ReplayUnresolved to ingest.AccessCheckReplayer. It is
// best-effort: replay failures are logged, never surfaced to the ingest
// path that triggered them.
type Replayer struct {
	Store store.Querier
	Log   *zap.Logger
}

// ReplayRefs replays unresolved checks for each distinct ref.
func (r Replayer) ReplayRefs(ctx context.Context, orgID uuid.UUID, refs []string) {
	seen := map[string]bool{}
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		if err := ReplayUnresolved(ctx, r.Store, r.Log, orgID, ref); err != nil {
			r.Log.Warn("access check replay failed", zap.String("ref", ref), zap.Error(err))
		}
	}
}

// ReplayUnresolved attaches the now-known user to every retained
// unresolved AccessCheck for ref — called from the ingest path after
// identity resolution records new identities, so checks that arrived
// before their user was known still end up attached.
func ReplayUnresolved(ctx context.Context, s store.Querier, log *zap.Logger, orgID uuid.UUID, ref string) error {
	userID, found := lookupRef(ctx, s, log, orgID, ref)
	if !found {
		return nil
	}
	checks, err := s.ListUnresolvedAccessChecks(ctx, orgID, ref)
	if err != nil {
		return fmt.Errorf("access: list unresolved checks: %w", err)
	}
	for _, check := range checks {
		if err := s.ResolveAccessCheck(ctx, check.ID, userID); err != nil {
			return fmt.Errorf("access: resolve check %s: %w", check.ID, err)
		}
	}
	return nil
}
