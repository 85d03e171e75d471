// Package domain declares the core entities of the billing-observability
// data model: organizations, billing connections, the
// canonical event log, identity, entitlement, issues, and alerting.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies a billing provider.
type Source string

const (
	SourceStripe     Source = "stripe"
	SourceAppleIAP   Source = "apple_app_store"
	SourceGooglePlay Source = "google_play"
	SourceRecurly    Source = "recurly"
)

// Organization is a tenant of the observability service. Slug is the
// URL-safe identifier providers post webhooks under.
type Organization struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// ConnectionStatus tracks the lifecycle of a BillingConnection.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInvalid  ConnectionStatus = "invalid"
	ConnectionDisabled ConnectionStatus = "disabled"
)

// BillingConnection links an Organization to a provider account and
// holds the webhook secret used to verify inbound signatures.
type BillingConnection struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Source         Source
	ExternalAcctID string
	WebhookSecret  string // stored encrypted at rest; decrypted at load time
	Status         ConnectionStatus
	LastWebhookAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookStatus is the processing lifecycle of a RawWebhookLog entry.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookQueued    WebhookStatus = "queued"
	WebhookProcessed WebhookStatus = "processed"
	WebhookSkipped   WebhookStatus = "skipped" // terminal — signature/auth failure, not retried
	WebhookFailed    WebhookStatus = "failed"  // terminal — parse error or retry-cap exhausted
)

// RawWebhookLog is the immutable record of an inbound webhook delivery,
// persisted before any normalization so no payload is ever lost.
// ExternalEventID and EventType are filled in once the worker has
// normalized the payload, so the log listing is queryable by what the
// delivery turned out to contain.
type RawWebhookLog struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	ConnectionID    uuid.UUID
	Source          Source
	ReceivedAt      time.Time
	Headers         json.RawMessage
	Body            []byte
	SignatureValid  bool
	Status          WebhookStatus
	ExternalEventID string // provider-native event id, extracted during normalization
	EventType       string // provider-native event type, extracted during normalization
	HTTPStatus      int    // status code answered to the provider at receive time
	ProcessingError string
	ProcessedAt     *time.Time
	Attempts        int
}

// CanonicalEventType enumerates the normalized event taxonomy every
// provider normalizer maps into. The enum is fixed across providers;
// normalizers translate their native event types into these twelve
// values, never add to them.
type CanonicalEventType string

const (
	EventPurchase        CanonicalEventType = "purchase"
	EventRenewal         CanonicalEventType = "renewal"
	EventCancellation    CanonicalEventType = "cancellation"
	EventExpiration      CanonicalEventType = "expiration"
	EventRefund          CanonicalEventType = "refund"
	EventChargeback      CanonicalEventType = "chargeback"
	EventBillingRetry    CanonicalEventType = "billing_retry"
	EventTrialConversion CanonicalEventType = "trial_conversion"
	EventUpgrade         CanonicalEventType = "upgrade"
	EventDowngrade       CanonicalEventType = "downgrade"
	EventPause           CanonicalEventType = "pause"
	EventResume          CanonicalEventType = "resume"
)

// EventStatus is the outcome of the billing operation the event
// describes.
type EventStatus string

const (
	EventStatusSuccess  EventStatus = "success"
	EventStatusFailed   EventStatus = "failed"
	EventStatusPending  EventStatus = "pending"
	EventStatusRefunded EventStatus = "refunded"
)

// BillingInterval is the normalized renewal cadence of a subscription:
// the bare unit when length is 1 (day|week|month|year), else
// "{length}_{unit}" (e.g. "3_month").
type BillingInterval string

// IsSet reports whether a cadence was derived at all (the zero value
// means the event carried no interval information).
func (b BillingInterval) IsSet() bool { return b != "" }

// CanonicalEvent is the normalized, provider-agnostic event every
// downstream component (identity, entitlement, detection) consumes.
// Immutable once written.
type CanonicalEvent struct {
	ID                     uuid.UUID
	OrganizationID         uuid.UUID
	Source                 Source
	IdempotencyKey         string // unique per (organization_id, source)
	EventType              CanonicalEventType
	SourceEventType        string // provider-native event type, for diagnostics
	Status                 EventStatus
	ExternalUserID         string // provider-native customer/account identifier
	ExternalSubscriptionID string // used as a product proxy when ProductID is absent
	ProductID              string
	ProductFamily          string // groups SKUs that represent the same entitlement
	PlanTier               string
	Interval               BillingInterval
	AmountCents            int64
	Currency               string
	TrialStartedAt         *time.Time
	OccurredAt             time.Time // provider-reported event time (event_time)
	ReceivedAt             time.Time // ingested_at
	IdentityHints          []string  // raw emails/IDs usable for identity resolution
	RawPayload             json.RawMessage
	UserID                 *uuid.UUID // set once identity resolution assigns a user
}

// ProductKey returns the ProductFamily when set, else the ProductID,
// else falls back to the ExternalSubscriptionID as a product proxy for
// entitlement-row keying when a provider's event carries no product id.
func (e CanonicalEvent) ProductKey() string {
	if e.ProductFamily != "" {
		return e.ProductFamily
	}
	if e.ProductID != "" {
		return e.ProductID
	}
	return e.ExternalSubscriptionID
}

// UserIdentityKind distinguishes the type of identity hint recorded.
type UserIdentityKind string

const (
	IdentityEmail      UserIdentityKind = "email"
	IdentityProviderID UserIdentityKind = "provider_id"
)

// User is the resolved, cross-provider person an entitlement belongs to.
type User struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	PrimaryEmail   string
	CreatedAt      time.Time
}

// UserIdentity is one (kind, value, source) hint mapped to a User.
type UserIdentity struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Source         Source
	Kind           UserIdentityKind
	Value          string
	CreatedAt      time.Time
}

// EntitlementState is the projected access state of a subscription.
type EntitlementState string

const (
	EntitlementTrial        EntitlementState = "trial"
	EntitlementActive       EntitlementState = "active"
	EntitlementGracePeriod  EntitlementState = "grace_period"
	EntitlementBillingRetry EntitlementState = "billing_retry"
	EntitlementPastDue      EntitlementState = "past_due"
	EntitlementPaused       EntitlementState = "paused"
	EntitlementOnHold       EntitlementState = "on_hold"
	EntitlementExpired      EntitlementState = "expired"
	EntitlementCanceled     EntitlementState = "canceled"
	EntitlementRevoked      EntitlementState = "revoked"
	EntitlementRefunded     EntitlementState = "refunded"
)

// Entitlement is the current access-granting state for a user/product.
type Entitlement struct {
	ID                     uuid.UUID
	OrganizationID         uuid.UUID
	UserID                 uuid.UUID
	Source                 Source
	ProductID              string // keyed by the event's ProductKey(): ProductFamily, else ProductID, else ExternalSubscriptionID
	ExternalSubscriptionID string
	State                  EntitlementState
	WillCancel             bool // cancellation received but period not yet elapsed
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	GraceUntil             *time.Time
	LastEventID            uuid.UUID
	UpdatedAt              time.Time
}

// IsAccessGranting reports whether state represents live access to the
// product — used by the duplicate-billing detector.
func (s EntitlementState) IsAccessGranting() bool {
	switch s {
	case EntitlementTrial, EntitlementActive, EntitlementGracePeriod, EntitlementBillingRetry, EntitlementPastDue:
		return true
	default:
		return false
	}
}

// IssueSeverity classifies how urgently an issue needs attention.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// IssueState is the lifecycle state of a detected issue.
type IssueState string

const (
	IssueOpen         IssueState = "open"
	IssueAcknowledged IssueState = "acknowledged"
	IssueResolved     IssueState = "resolved"
	IssueDismissed    IssueState = "dismissed"
)

// DetectorKind names a detector in the catalogue.
type DetectorKind string

const (
	DetectorUnrevokedRefund  DetectorKind = "unrevoked_refund"
	DetectorDuplicateBilling DetectorKind = "duplicate_billing"
	DetectorWebhookGap       DetectorKind = "webhook_delivery_gap"
	DetectorDataFreshness    DetectorKind = "data_freshness"
	DetectorRenewalAnomaly   DetectorKind = "renewal_anomaly"
	DetectorPaidButNoAccess  DetectorKind = "paid_but_no_access"
)

// DetectorCategory buckets detectors by the kind of problem they watch.
type DetectorCategory string

const (
	CategoryIntegrationHealth DetectorCategory = "integration_health"
	CategoryCrossPlatform     DetectorCategory = "cross_platform"
	CategoryRevenueProtection DetectorCategory = "revenue_protection"
	CategoryVerified          DetectorCategory = "verified"
)

// DetectorScope says whether a detector's findings attach to one user or
// to an aggregate (connection/source-level) view.
type DetectorScope string

const (
	ScopePerUser   DetectorScope = "per_user"
	ScopeAggregate DetectorScope = "aggregate"
)

// DetectionTier separates detectors that rely only on billing data
// (tier1) from ones that cross-reference app-side access checks
// (app_verified).
type DetectionTier string

const (
	TierOne         DetectionTier = "tier1"
	TierAppVerified DetectionTier = "app_verified"
)

// Issue is a detected anomaly requiring operator attention, deduplicated
// by (organization_id, detector, dedup_key).
type Issue struct {
	ID                    uuid.UUID
	OrganizationID        uuid.UUID
	Detector              DetectorKind
	DedupKey              string
	Severity              IssueSeverity
	State                 IssueState
	Tier                  DetectionTier
	Title                 string
	Details               json.RawMessage
	UserID                *uuid.UUID
	EstimatedRevenueCents *int64
	Confidence            *float64 // in [0,1]; app_verified detectors derive it from access-check evidence
	FirstSeenAt           time.Time
	LastSeenAt            time.Time
	OccurrenceCount       int
	ResolvedAt            *time.Time
	Resolution            string // operator note recorded on resolve/dismiss
}

// DetectorRun records one execution of a scheduled detector scan.
type DetectorRun struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Detector       DetectorKind
	StartedAt      time.Time
	FinishedAt     *time.Time
	IssuesCreated  int
	IssuesUpdated  int
	Error          string
}

// AccessCheck is an app-side attestation ("this user does/does not have
// access right now"), appended by the ingress and consulted by
// app_verified detectors. Checks whose user ref has no identity match
// yet are retained until ExpiresAt and re-resolved when a matching
// identity appears.
type AccessCheck struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	UserID          *uuid.UUID // nil until the external ref resolves to a user
	ExternalUserRef string
	HasAccess       bool
	ObservedAt      time.Time
	SourceTag       string
	ExpiresAt       time.Time // TTL for unresolved-check replay
}

// AlertChannelKind names the transport an AlertConfig delivers through.
type AlertChannelKind string

const (
	ChannelWebhook AlertChannelKind = "webhook"
	ChannelSlack   AlertChannelKind = "slack"
)

// AlertConfig is an organization's configured alert sink.
type AlertConfig struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Channel          AlertChannelKind
	URL              string
	Secret           string
	MinSeverity      IssueSeverity
	RateLimitPer5Min int
	Enabled          bool
}

// DeliveryStatus is the outcome of one alert delivery attempt.
type DeliveryStatus string

const (
	DeliverySuccess     DeliveryStatus = "success"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// AlertDelivery records one attempt to deliver an Issue to an AlertConfig.
type AlertDelivery struct {
	ID            uuid.UUID
	AlertConfigID uuid.UUID
	IssueID       uuid.UUID
	Status        DeliveryStatus
	ErrorMessage  string
	AttemptedAt   time.Time
}
