package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/config"
	"github.com/arc-self/billingwatch/internal/store"
)

// Webhook-delivery-gap windows: the baseline inter-arrival time is the
// median over the last 7 days, clipped to [5m, 2h].
const (
	gapBaselineLookback = 7 * 24 * time.Hour
	gapBaselineFloor    = 5 * time.Minute
	gapBaselineCeiling  = 2 * time.Hour
	gapWarnFloor        = 30 * time.Minute
)

// WebhookGapDetector flags a connection whose inter-event gap has grown
// past a multiple of its historical baseline inter-arrival time —
// indicating the provider has stopped delivering webhooks (firewall
// change, revoked endpoint, provider-side outage) rather than the
// organization's subscribers going quiet.
type WebhookGapDetector struct{}

func (WebhookGapDetector) Kind() domain.DetectorKind             { return domain.DetectorWebhookGap }
func (WebhookGapDetector) Category() domain.DetectorCategory     { return domain.CategoryIntegrationHealth }
func (WebhookGapDetector) Scope() domain.DetectorScope           { return domain.ScopeAggregate }
func (WebhookGapDetector) Tier() domain.DetectionTier            { return domain.TierOne }
func (WebhookGapDetector) DefaultSeverity() domain.IssueSeverity { return domain.SeverityWarning }

func (WebhookGapDetector) RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error) {
	now := time.Now().UTC()
	events, err := s.ListCanonicalEventsSince(ctx, conn.OrganizationID, conn.Source, now.Add(-gapBaselineLookback))
	if err != nil {
		return nil, fmt.Errorf("webhook_delivery_gap: list baseline: %w", err)
	}
	if len(events) < 2 {
		return nil, nil // not enough history to establish a baseline
	}

	baseline := medianInterArrival(events)
	if baseline < gapBaselineFloor {
		baseline = gapBaselineFloor
	}
	if baseline > gapBaselineCeiling {
		baseline = gapBaselineCeiling
	}

	lastSeen := events[len(events)-1].OccurredAt
	gap := now.Sub(lastSeen)

	warnThreshold := time.Duration(float64(baseline) * settings.WebhookGapWarnMult)
	if warnThreshold < gapWarnFloor {
		warnThreshold = gapWarnFloor
	}
	critThreshold := time.Duration(float64(baseline) * settings.WebhookGapCritMult)

	var severity domain.IssueSeverity
	switch {
	case gap >= critThreshold:
		severity = domain.SeverityCritical
	case gap >= warnThreshold:
		severity = domain.SeverityWarning
	default:
		return nil, nil
	}

	return []Finding{{
		DedupKey: fmt.Sprintf("webhook_delivery_gap:%s:%s", conn.OrganizationID, conn.Source),
		Severity: severity,
		Title:    fmt.Sprintf("%s webhook delivery gap of %s (baseline %s)", conn.Source, gap.Round(time.Minute), baseline.Round(time.Minute)),
		Details: map[string]interface{}{
			"source":               conn.Source,
			"gap_seconds":          gap.Seconds(),
			"baseline_gap_seconds": baseline.Seconds(),
			"last_event_at":        lastSeen,
		},
	}}, nil
}

// medianInterArrival returns the median gap between consecutive events,
// ordered by OccurredAt. events must already be time-ordered ascending
// (the store returns them that way); sorts defensively.
func medianInterArrival(events []domain.CanonicalEvent) time.Duration {
	sorted := make([]domain.CanonicalEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })

	gaps := make([]time.Duration, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].OccurredAt.Sub(sorted[i-1].OccurredAt))
	}
	if len(gaps) == 0 {
		return 0
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

// freshnessWindow is how far back an access-granting entitlement may go
// without a single canonical event before it counts as stale.
const freshnessWindow = 35 * 24 * time.Hour

// DataFreshnessDetector measures, per connection, the fraction of
// access-granting entitlements that have had no canonical event inside
// freshnessWindow. A high fraction means the entitlement projections are
// running on old data — renewals, cancellations, and refunds may have
// happened without this service hearing about them.
type DataFreshnessDetector struct{}

func (DataFreshnessDetector) Kind() domain.DetectorKind { return domain.DetectorDataFreshness }
func (DataFreshnessDetector) Category() domain.DetectorCategory {
	return domain.CategoryIntegrationHealth
}
func (DataFreshnessDetector) Scope() domain.DetectorScope           { return domain.ScopeAggregate }
func (DataFreshnessDetector) Tier() domain.DetectionTier            { return domain.TierOne }
func (DataFreshnessDetector) DefaultSeverity() domain.IssueSeverity { return domain.SeverityWarning }

func (DataFreshnessDetector) RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error) {
	now := time.Now().UTC()

	ents, err := s.ListAccessGrantingEntitlements(ctx, conn.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("data_freshness: list entitlements: %w", err)
	}
	var scoped []domain.Entitlement
	for _, e := range ents {
		if e.Source == conn.Source {
			scoped = append(scoped, e)
		}
	}
	if len(scoped) == 0 {
		return nil, nil
	}

	events, err := s.ListCanonicalEventsSince(ctx, conn.OrganizationID, conn.Source, now.Add(-freshnessWindow))
	if err != nil {
		return nil, fmt.Errorf("data_freshness: list recent events: %w", err)
	}
	recent := map[string]bool{}
	for _, e := range events {
		if e.UserID == nil {
			continue
		}
		recent[e.UserID.String()+":"+e.ProductKey()] = true
	}

	stale := 0
	for _, e := range scoped {
		if !recent[e.UserID.String()+":"+e.ProductID] {
			stale++
		}
	}

	fraction := float64(stale) / float64(len(scoped))
	if fraction < settings.DataFreshnessStaleFraction {
		return nil, nil
	}

	return []Finding{{
		DedupKey: fmt.Sprintf("data_freshness:%s:%s", conn.OrganizationID, conn.Source),
		Severity: domain.SeverityWarning,
		Title:    fmt.Sprintf("%.0f%% of %s entitlements have seen no events in %d days", fraction*100, conn.Source, int(freshnessWindow.Hours()/24)),
		Details: map[string]interface{}{
			"source":         conn.Source,
			"stale_count":    stale,
			"total_count":    len(scoped),
			"stale_fraction": fraction,
			"window_days":    int(freshnessWindow.Hours() / 24),
		},
	}}, nil
}

// Renewal-anomaly windows: R6 is the count of
// successful renewals in the last 6 hours, R30 in the last 30 days. mu,
// the expected count per 6-hour window, is R30/120 (30 days = 120
// six-hour windows).
const (
	renewalRecentWindow    = 6 * time.Hour
	renewalBaselineWindow  = 30 * 24 * time.Hour
	renewalBaselineWindows = 120 // 30 days / 6h
)

// RenewalAnomalyDetector flags a drop in the rate of successful renewal
// events relative to the connection's own 30-day baseline:
// mu = R30/120; skip if mu < min-mu;
// critical if the drop is at least the critical threshold, or R6 is
// zero while mu is still large enough that zero is implausible;
// warning if the drop is at least the warning threshold.
type RenewalAnomalyDetector struct{}

func (RenewalAnomalyDetector) Kind() domain.DetectorKind { return domain.DetectorRenewalAnomaly }
func (RenewalAnomalyDetector) Category() domain.DetectorCategory {
	return domain.CategoryIntegrationHealth
}
func (RenewalAnomalyDetector) Scope() domain.DetectorScope           { return domain.ScopeAggregate }
func (RenewalAnomalyDetector) Tier() domain.DetectionTier            { return domain.TierOne }
func (RenewalAnomalyDetector) DefaultSeverity() domain.IssueSeverity { return domain.SeverityWarning }

func (RenewalAnomalyDetector) RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error) {
	now := time.Now().UTC()
	events, err := s.ListCanonicalEventsSince(ctx, conn.OrganizationID, conn.Source, now.Add(-renewalBaselineWindow))
	if err != nil {
		return nil, fmt.Errorf("renewal_anomaly: list baseline: %w", err)
	}

	var r6, r30 int
	for _, e := range events {
		if e.EventType != domain.EventRenewal || e.Status != domain.EventStatusSuccess {
			continue
		}
		r30++
		if now.Sub(e.OccurredAt) <= renewalRecentWindow {
			r6++
		}
	}

	mu := float64(r30) / renewalBaselineWindows
	if mu < settings.RenewalAnomalyMinMu {
		return nil, nil // too little baseline volume to trust a drop reading
	}

	drop := 1 - (float64(r6) / mu)

	var severity domain.IssueSeverity
	switch {
	case drop >= settings.RenewalAnomalyCritDropPc:
		severity = domain.SeverityCritical
	case r6 == 0 && mu >= settings.RenewalAnomalyZeroMuFloor:
		severity = domain.SeverityCritical
	case drop >= settings.RenewalAnomalyWarnDropPc:
		severity = domain.SeverityWarning
	default:
		return nil, nil
	}

	return []Finding{{
		DedupKey: fmt.Sprintf("renewal_anomaly:%s:%s", conn.OrganizationID, conn.Source),
		Severity: severity,
		Title:    fmt.Sprintf("%s renewals dropped %.0f%% below expected (%d vs %.1f expected per 6h)", conn.Source, drop*100, r6, mu),
		Details: map[string]interface{}{
			"source":        conn.Source,
			"recentCount":   r6,
			"expectedCount": mu,
			"dropPercent":   drop * 100,
			"windowHours":   renewalRecentWindow.Hours(),
			"baselineDays":  renewalBaselineWindow.Hours() / 24,
		},
	}}, nil
}

// duplicateBillingStates are the entitlement states considered "paying"
// for the purposes of the cross-source duplicate-billing check.
var duplicateBillingStates = map[domain.EntitlementState]bool{
	domain.EntitlementActive:       true,
	domain.EntitlementTrial:        true,
	domain.EntitlementGracePeriod:  true,
	domain.EntitlementBillingRetry: true,
}

// DuplicateBillingDetector flags a user holding access-granting
// entitlements for the same product family through two or more distinct
// billing sources at once — the cross-source double-subscription symptom
// of a user re-purchasing through a different storefront without the
// first being canceled. Runs once per active connection, scoped to the
// organization and to groups that include the connection's own source;
// the dedup key carries no source, so the repeated per-connection scans
// converge to one issue per (user, product family).
type DuplicateBillingDetector struct{}

func (DuplicateBillingDetector) Kind() domain.DetectorKind { return domain.DetectorDuplicateBilling }
func (DuplicateBillingDetector) Category() domain.DetectorCategory {
	return domain.CategoryCrossPlatform
}
func (DuplicateBillingDetector) Scope() domain.DetectorScope { return domain.ScopePerUser }
func (DuplicateBillingDetector) Tier() domain.DetectionTier  { return domain.TierOne }
func (DuplicateBillingDetector) DefaultSeverity() domain.IssueSeverity {
	return domain.SeverityCritical
}

func (DuplicateBillingDetector) RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error) {
	ents, err := s.ListAccessGrantingEntitlements(ctx, conn.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("duplicate_billing: list entitlements: %w", err)
	}

	// Grouped by (user, product family): two active
	// entitlements for the *same product* across sources is the
	// duplicate-billing symptom; a user holding unrelated products
	// through different sources is not.
	byUserProduct := map[string][]domain.Entitlement{}
	for _, e := range ents {
		if !duplicateBillingStates[e.State] {
			continue
		}
		key := e.UserID.String() + ":" + productFamilyKey(e)
		byUserProduct[key] = append(byUserProduct[key], e)
	}

	var findings []Finding
	for _, group := range byUserProduct {
		sources := map[domain.Source]bool{}
		for _, e := range group {
			sources[e.Source] = true
		}
		if len(sources) < 2 || !sources[conn.Source] {
			continue
		}

		sourceList := make([]string, 0, len(sources))
		for src := range sources {
			sourceList = append(sourceList, string(src))
		}
		sort.Strings(sourceList)

		userID := group[0].UserID
		uid := userID
		product := productFamilyKey(group[0])
		f := Finding{
			DedupKey: fmt.Sprintf("duplicate_billing:%s:%s", userID, product),
			Severity: domain.SeverityCritical,
			Title:    fmt.Sprintf("user holds active %q entitlements across %d sources: %s", product, len(sources), strings.Join(sourceList, ", ")),
			Details: map[string]interface{}{
				"user_id": userID,
				"product": product,
				"sources": sourceList,
			},
			UserID: &uid,
		}
		if cents := estimateDuplicateSpend(ctx, s, conn.OrganizationID, userID, product, len(sources)); cents > 0 {
			f.EstimatedRevenueCents = &cents
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// estimateDuplicateSpend approximates the redundant spend as the latest
// charged amount for the product times the number of surplus sources.
// Best effort: a zero result just leaves the issue's revenue field
// unset.
func estimateDuplicateSpend(ctx context.Context, s store.Querier, orgID, userID uuid.UUID, product string, sourceCount int) int64 {
	events, err := s.ListCanonicalEventsForUser(ctx, orgID, userID, product)
	if err != nil {
		return 0
	}
	var latest int64
	for _, e := range events {
		if e.AmountCents > 0 {
			latest = e.AmountCents
		}
	}
	return latest * int64(sourceCount-1)
}

// productFamilyKey resolves the product-family grouping key for an
// entitlement, falling back to its ExternalSubscriptionID when no
// product id was ever recorded.
func productFamilyKey(e domain.Entitlement) string {
	if e.ProductID != "" {
		return e.ProductID
	}
	return e.ExternalSubscriptionID
}

// PaidButNoAccessDetector is the app_verified (Tier-2) detector: it
// cross-references recent app-side access-check attestations against the
// projected entitlements. A user whose entitlement says "paying" while
// the app keeps reporting it is denying them access is either a broken
// unlock flow or an identity mismatch — either way the user is paying
// for something they cannot use.
type PaidButNoAccessDetector struct{}

func (PaidButNoAccessDetector) Kind() domain.DetectorKind             { return domain.DetectorPaidButNoAccess }
func (PaidButNoAccessDetector) Category() domain.DetectorCategory     { return domain.CategoryVerified }
func (PaidButNoAccessDetector) Scope() domain.DetectorScope           { return domain.ScopePerUser }
func (PaidButNoAccessDetector) Tier() domain.DetectionTier            { return domain.TierAppVerified }
func (PaidButNoAccessDetector) DefaultSeverity() domain.IssueSeverity { return domain.SeverityCritical }

func (PaidButNoAccessDetector) RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error) {
	now := time.Now().UTC()
	lookback := settings.AccessCheckLookback
	if lookback <= 0 {
		lookback = 6 * time.Hour
	}
	checks, err := s.ListRecentAccessChecks(ctx, conn.OrganizationID, now.Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("paid_but_no_access: list access checks: %w", err)
	}
	if len(checks) == 0 {
		return nil, nil
	}

	byUser := map[uuid.UUID][]domain.AccessCheck{}
	for _, c := range checks {
		if c.UserID == nil {
			continue // unresolved refs are replayed later, not judged now
		}
		byUser[*c.UserID] = append(byUser[*c.UserID], c)
	}
	if len(byUser) == 0 {
		return nil, nil
	}

	ents, err := s.ListAccessGrantingEntitlements(ctx, conn.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("paid_but_no_access: list entitlements: %w", err)
	}
	paying := map[uuid.UUID]domain.Entitlement{}
	for _, e := range ents {
		if e.Source == conn.Source {
			paying[e.UserID] = e
		}
	}

	var findings []Finding
	for userID, userChecks := range byUser {
		ent, ok := paying[userID]
		if !ok {
			continue
		}

		sort.Slice(userChecks, func(i, j int) bool { return userChecks[i].ObservedAt.Before(userChecks[j].ObservedAt) })
		latest := userChecks[len(userChecks)-1]
		if latest.HasAccess {
			continue
		}

		denied := 0
		for _, c := range userChecks {
			if !c.HasAccess {
				denied++
			}
		}
		confidence := tier2Confidence(now, latest.ObservedAt, lookback, denied, len(userChecks))

		uid := userID
		findings = append(findings, Finding{
			DedupKey:   fmt.Sprintf("paid_but_no_access:%s:%s", userID, ent.ProductID),
			Severity:   domain.SeverityCritical,
			Title:      fmt.Sprintf("user is %s on %s but the app reports no access", ent.State, ent.ProductID),
			UserID:     &uid,
			Confidence: &confidence,
			Details: map[string]interface{}{
				"user_id":            userID,
				"product":            ent.ProductID,
				"entitlement_state":  ent.State,
				"checks_considered":  len(userChecks),
				"deny_count":         denied,
				"latest_observed_at": latest.ObservedAt,
				"source_tag":         latest.SourceTag,
			},
		})
	}
	return findings, nil
}

// tier2Confidence scores an app_verified finding from the freshness and
// agreement of its access-check evidence: unanimous,
// just-observed denials approach 1.0; unanimous denials whose latest is
// at the edge of the lookback score 0.5; mixed reports scale down by the
// denied fraction, below 0.5.
func tier2Confidence(now, latestObserved time.Time, lookback time.Duration, denied, total int) float64 {
	agreement := float64(denied) / float64(total)
	freshness := 1 - float64(now.Sub(latestObserved))/float64(lookback)
	if freshness < 0 {
		freshness = 0
	}
	confidence := agreement * (0.5 + 0.5*freshness)
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

var (
	_ ScheduledDetector = WebhookGapDetector{}
	_ ScheduledDetector = DataFreshnessDetector{}
	_ ScheduledDetector = RenewalAnomalyDetector{}
	_ ScheduledDetector = DuplicateBillingDetector{}
	_ ScheduledDetector = PaidButNoAccessDetector{}
)
