// Package store defines the persistence interface for every domain
// aggregate: one fat Querier interface, implemented over pgxpool.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
)

// IssueFilter narrows a ListIssues query. The zero value means "live
// (open or acknowledged) issues, any severity, any detector" — GET
// /issues with no query parameters supplied.
type IssueFilter struct {
	Status      domain.IssueState
	MinSeverity domain.IssueSeverity
	Detector    domain.DetectorKind
	Limit       int
	Offset      int
}

// Querier is the full storage surface used by every service-layer
// component. A single interface keeps call sites mockable with one
// hand-authored fake.
type Querier interface {
	// Organizations / connections
	GetOrganizationBySlug(ctx context.Context, slug string) (domain.Organization, error)
	GetBillingConnection(ctx context.Context, orgID uuid.UUID, source domain.Source) (domain.BillingConnection, error)
	GetBillingConnectionByID(ctx context.Context, id uuid.UUID) (domain.BillingConnection, error)
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastWebhookAt *time.Time) error
	ListActiveBillingConnections(ctx context.Context) ([]domain.BillingConnection, error)

	// Raw webhook log
	InsertRawWebhookLog(ctx context.Context, log domain.RawWebhookLog) error
	// UpdateRawWebhookLogStatus records a processing outcome, bumps the
	// attempt counter, and stores the external event id / provider
	// event type extracted during normalization (empty until a
	// normalizer has seen the payload).
	UpdateRawWebhookLogStatus(ctx context.Context, id uuid.UUID, status domain.WebhookStatus, processingErr, externalEventID, eventType string) error
	// ListUnprocessedRawWebhookLogs returns received/queued rows whose
	// last activity is at or before `before` — the retry sweep's work
	// list.
	ListUnprocessedRawWebhookLogs(ctx context.Context, before time.Time) ([]domain.RawWebhookLog, error)

	// Canonical events
	// UpsertCanonicalEvent inserts the event if (organization_id, source,
	// idempotency_key) is unseen, and reports whether the row was newly
	// created — a conflict is treated as a successful no-op duplicate.
	UpsertCanonicalEvent(ctx context.Context, event domain.CanonicalEvent) (created bool, err error)
	SetCanonicalEventUser(ctx context.Context, eventID, userID uuid.UUID) error
	ListCanonicalEventsSince(ctx context.Context, orgID uuid.UUID, source domain.Source, since time.Time) ([]domain.CanonicalEvent, error)
	ListCanonicalEventsForUser(ctx context.Context, orgID, userID uuid.UUID, productFamily string) ([]domain.CanonicalEvent, error)
	// ListOrgCanonicalEvents is the paginated, source-agnostic listing
	// backing the events read API, newest first.
	ListOrgCanonicalEvents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]domain.CanonicalEvent, error)

	// Identity
	FindUserIdentity(ctx context.Context, orgID uuid.UUID, kind domain.UserIdentityKind, value string) (userID uuid.UUID, found bool, err error)
	CreateUser(ctx context.Context, orgID uuid.UUID, primaryEmail string) (domain.User, error)
	CreateUserIdentity(ctx context.Context, identity domain.UserIdentity) error
	MergeUsers(ctx context.Context, survivorID, victimID uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)
	ListUserIdentities(ctx context.Context, userID uuid.UUID) ([]domain.UserIdentity, error)

	// Entitlement
	GetEntitlement(ctx context.Context, orgID, userID uuid.UUID, source domain.Source, productKey string) (domain.Entitlement, bool, error)
	UpsertEntitlement(ctx context.Context, e domain.Entitlement) error
	// ListEntitlementsInGrace returns rows due for the lazy grace/past-due
	// sweep: active/trial/billing_retry rows whose current_period_end is
	// at or before overdueBefore (now minus the grace window), plus
	// grace_period rows whose grace_until is at or before graceBefore
	// (plain now — the grace window was already spent getting here).
	ListEntitlementsInGrace(ctx context.Context, overdueBefore, graceBefore time.Time) ([]domain.Entitlement, error)
	// ListAccessGrantingEntitlements returns every entitlement for orgID
	// currently in an access-granting state, across all sources — used
	// by the cross-source duplicate-billing detector.
	ListAccessGrantingEntitlements(ctx context.Context, orgID uuid.UUID) ([]domain.Entitlement, error)
	ListEntitlementsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]domain.Entitlement, error)
	// CountEntitlementsByState backs the entitlement-health read API.
	CountEntitlementsByState(ctx context.Context, orgID uuid.UUID) (map[domain.EntitlementState]int, error)

	// Access checks
	RecordAccessCheck(ctx context.Context, ac domain.AccessCheck) error
	// RecordAccessCheckBatch appends all checks atomically — the batch
	// ingress's all-or-nothing contract.
	RecordAccessCheckBatch(ctx context.Context, acs []domain.AccessCheck) error
	ListUnresolvedAccessChecks(ctx context.Context, orgID uuid.UUID, externalUserRef string) ([]domain.AccessCheck, error)
	// ResolveAccessCheck attaches the user a previously unresolved
	// check's external ref now maps to.
	ResolveAccessCheck(ctx context.Context, id, userID uuid.UUID) error
	// ListRecentAccessChecks feeds the app_verified detectors.
	ListRecentAccessChecks(ctx context.Context, orgID uuid.UUID, since time.Time) ([]domain.AccessCheck, error)

	// Issues
	// UpsertIssue inserts the issue, or refreshes the currently live
	// (open/acknowledged) row with the same (org, detector, dedup_key).
	// A resolved/dismissed row never conflicts: a fresh occurrence after
	// closure opens a successor row and the closed episode keeps its
	// history.
	UpsertIssue(ctx context.Context, issue domain.Issue) (created bool, err error)
	GetIssue(ctx context.Context, id uuid.UUID) (domain.Issue, error)
	// GetIssueByDedupKey returns the live (open/acknowledged) issue for
	// the fingerprint, if any.
	GetIssueByDedupKey(ctx context.Context, orgID uuid.UUID, detector domain.DetectorKind, dedupKey string) (domain.Issue, bool, error)
	TransitionIssueState(ctx context.Context, id uuid.UUID, state domain.IssueState, resolution string) error
	// ListIssues returns issues for orgID matching filter
	// (GET /issues?status=&severity=&issueType=&limit=&offset=).
	ListIssues(ctx context.Context, orgID uuid.UUID, filter IssueFilter) ([]domain.Issue, error)

	// Detector runs
	InsertDetectorRun(ctx context.Context, run domain.DetectorRun) error
	FinishDetectorRun(ctx context.Context, id uuid.UUID, issuesCreated, issuesUpdated int, errMsg string) error

	// Alerting
	ListAlertConfigs(ctx context.Context, orgID uuid.UUID) ([]domain.AlertConfig, error)
	InsertAlertDelivery(ctx context.Context, d domain.AlertDelivery) error
	CountRecentDeliveries(ctx context.Context, alertConfigID uuid.UUID, since time.Time) (int, error)
}
