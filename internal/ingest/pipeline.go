// Package ingest implements the ingestion pipeline: an Echo HTTP
// receiver that persists the raw webhook and enqueues it, plus a
// partitioned worker pool that verifies, normalizes, and projects each
// canonical event.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/normalizer"
	"github.com/arc-self/billingwatch/internal/store"
)

// IdentityResolver resolves a CanonicalEvent's identity hints to a
// domain.User, creating one if none match. Implemented by package identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, orgID uuid.UUID, source domain.Source, externalUserID string, hints []string) (uuid.UUID, error)
}

// EntitlementProjector applies a CanonicalEvent to the entitlement state
// machine. Implemented by package entitlement.
type EntitlementProjector interface {
	Apply(ctx context.Context, event domain.CanonicalEvent) error
}

// DetectionEngine runs the synchronous, per-event detector set.
// Implemented by package detect.
type DetectionEngine interface {
	RunSynchronous(ctx context.Context, event domain.CanonicalEvent) error
}

// EventPublisher publishes a canonical event for consumers outside the
// ingest path (the scheduled detectors read the store, not this feed).
type EventPublisher interface {
	PublishCanonicalEvent(ctx context.Context, event domain.CanonicalEvent) error
}

// AccessCheckReplayer re-resolves retained unresolved access checks once
// an identity for one of the event's refs has been recorded. Implemented
// by package access.
type AccessCheckReplayer interface {
	ReplayRefs(ctx context.Context, orgID uuid.UUID, refs []string)
}

// Job is one unit of work queued by the HTTP receiver: a persisted raw
// webhook log row awaiting verification and normalization.
type Job struct {
	LogID        uuid.UUID
	ConnectionID uuid.UUID
	OrgID        uuid.UUID
	Source       domain.Source
	Body         []byte
	Headers      map[string][]string
}

// Pipeline wires the receiver's queue to verification, normalization,
// identity resolution, entitlement projection, and synchronous detection.
type Pipeline struct {
	store     store.Querier
	registry  *normalizer.Registry
	identity  IdentityResolver
	entitle   EntitlementProjector
	detect    DetectionEngine
	publisher EventPublisher
	replayer  AccessCheckReplayer
	log       *zap.Logger
}

// SetAccessReplayer attaches the optional access-check replay hook.
func (p *Pipeline) SetAccessReplayer(r AccessCheckReplayer) { p.replayer = r }

// NewPipeline constructs a Pipeline.
func NewPipeline(s store.Querier, reg *normalizer.Registry, id IdentityResolver, ent EntitlementProjector, det DetectionEngine, pub EventPublisher, log *zap.Logger) *Pipeline {
	return &Pipeline{store: s, registry: reg, identity: id, entitle: ent, detect: det, publisher: pub, log: log}
}

// ProcessJob verifies, normalizes, and projects the job's webhook body.
//
// Failure model: a malformed or unverifiable payload is terminal — the
// raw log is marked "failed" (malformed) or "skipped" (signature
// failure) and ProcessJob returns nil so the caller does not retry it.
// Transient storage errors are returned so the caller can retry.
func (p *Pipeline) ProcessJob(ctx context.Context, job Job) error {
	conn, err := p.store.GetBillingConnectionByID(ctx, job.ConnectionID)
	if err != nil {
		return fmt.Errorf("ingest: load connection: %w", err)
	}
	job.OrgID = conn.OrganizationID

	n, ok := p.registry.Get(job.Source)
	if !ok {
		return p.fail(ctx, job.LogID, fmt.Sprintf("no normalizer registered for source %q", job.Source))
	}

	headers := toHTTPHeader(job.Headers)
	if err := n.VerifySignature(job.Body, headers, conn.WebhookSecret); err != nil {
		// Authentication failure: marked skipped, not retried —
		// distinct from a malformed-payload failure.
		return p.skip(ctx, job.LogID, err.Error())
	}

	events, err := n.Normalize(job.OrgID, job.Body)
	if err != nil {
		if err == normalizer.ErrUnrecognizedEvent {
			// Acknowledged, not an error: unmapped event types are
			// expected webhook noise, not a pipeline failure.
			return p.markProcessed(ctx, job.LogID, nil)
		}
		return p.fail(ctx, job.LogID, err.Error())
	}

	for _, event := range events {
		if err := p.projectEvent(ctx, event); err != nil {
			return fmt.Errorf("ingest: project event %s: %w", event.IdempotencyKey, err)
		}
	}

	now := time.Now().UTC()
	if err := p.store.UpdateConnectionStatus(ctx, conn.ID, domain.ConnectionActive, &now); err != nil {
		p.log.Warn("failed to bump connection last_webhook_at", zap.Error(err))
	}
	return p.markProcessed(ctx, job.LogID, events)
}

// ProjectHistoricalEvent runs a single already-normalized event through
// the same identity/entitlement/detection fan-out a live webhook
// delivery goes through, skipping only the raw-log/signature steps that
// don't apply to data pulled from a provider's own list API — used by
// the backfill driver.
func (p *Pipeline) ProjectHistoricalEvent(ctx context.Context, event domain.CanonicalEvent) error {
	return p.projectEvent(ctx, event)
}

// projectEvent is the per-event fan-out: idempotent store, identity
// resolution, entitlement projection, synchronous detection, async
// publish. Ordering within a single (org, source) partition is
// guaranteed by the worker pool's partitioning, not by this function.
func (p *Pipeline) projectEvent(ctx context.Context, event domain.CanonicalEvent) error {
	created, err := p.store.UpsertCanonicalEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("upsert canonical event: %w", err)
	}
	if !created {
		// Idempotency-key conflict is a successful no-op.
		return nil
	}

	userID, err := p.identity.Resolve(ctx, event.OrganizationID, event.Source, event.ExternalUserID, event.IdentityHints)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	event.UserID = &userID
	if err := p.store.SetCanonicalEventUser(ctx, event.ID, userID); err != nil {
		return fmt.Errorf("set canonical event user: %w", err)
	}

	if p.replayer != nil {
		refs := append([]string{event.ExternalUserID}, event.IdentityHints...)
		p.replayer.ReplayRefs(ctx, event.OrganizationID, refs)
	}

	if err := p.entitle.Apply(ctx, event); err != nil {
		return fmt.Errorf("project entitlement: %w", err)
	}

	if err := p.detect.RunSynchronous(ctx, event); err != nil {
		// Per-event detectors must not block ingestion on a detector
		// bug — log and continue, mirroring the per-run error
		// isolation scheduled scans get.
		p.log.Error("synchronous detector error", zap.String("event_id", event.ID.String()), zap.Error(err))
	}

	if p.publisher != nil {
		if err := p.publisher.PublishCanonicalEvent(ctx, event); err != nil {
			p.log.Warn("publish canonical event failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, logID uuid.UUID, reason string) error {
	p.log.Warn("webhook rejected", zap.String("log_id", logID.String()), zap.String("reason", reason))
	if err := p.store.UpdateRawWebhookLogStatus(ctx, logID, domain.WebhookFailed, reason, "", ""); err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return nil
}

func (p *Pipeline) skip(ctx context.Context, logID uuid.UUID, reason string) error {
	p.log.Warn("webhook signature rejected", zap.String("log_id", logID.String()), zap.String("reason", reason))
	if err := p.store.UpdateRawWebhookLogStatus(ctx, logID, domain.WebhookSkipped, reason, "", ""); err != nil {
		return fmt.Errorf("mark webhook skipped: %w", err)
	}
	return nil
}

// markProcessed stamps the terminal processed status together with the
// external event id and provider event type extracted during
// normalization, so the raw-log listing is queryable by what the
// delivery contained.
func (p *Pipeline) markProcessed(ctx context.Context, logID uuid.UUID, events []domain.CanonicalEvent) error {
	externalID, eventType := "", ""
	if len(events) > 0 {
		externalID = externalEventID(events[0])
		eventType = events[0].SourceEventType
		if eventType == "" {
			eventType = string(events[0].EventType)
		}
	}
	if err := p.store.UpdateRawWebhookLogStatus(ctx, logID, domain.WebhookProcessed, "", externalID, eventType); err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// externalEventID recovers the provider-native event id from the
// idempotency key's "{source}:{id}[:{fanout}]" shape.
func externalEventID(e domain.CanonicalEvent) string {
	id := strings.TrimPrefix(e.IdempotencyKey, string(e.Source)+":")
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}

func toHTTPHeader(h map[string][]string) http.Header { return http.Header(h) }
