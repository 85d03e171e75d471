package detect

import (
	"context"
	"fmt"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// UnrevokedRefundDetector flags a refund or chargeback whose entitlement
// was not transitioned to a revoked-access state by the projector — e.g.
// a race where the projector's write hasn't landed yet. A refund for a
// product with no entitlement row raises nothing.
type UnrevokedRefundDetector struct{}

func (UnrevokedRefundDetector) Kind() domain.DetectorKind { return domain.DetectorUnrevokedRefund }
func (UnrevokedRefundDetector) Category() domain.DetectorCategory {
	return domain.CategoryRevenueProtection
}
func (UnrevokedRefundDetector) Scope() domain.DetectorScope { return domain.ScopePerUser }
func (UnrevokedRefundDetector) Tier() domain.DetectionTier  { return domain.TierOne }
func (UnrevokedRefundDetector) DefaultSeverity() domain.IssueSeverity {
	return domain.SeverityCritical
}

func (UnrevokedRefundDetector) RunOnEvent(ctx context.Context, s store.Querier, event domain.CanonicalEvent) (*Finding, error) {
	if event.EventType != domain.EventRefund && event.EventType != domain.EventChargeback {
		return nil, nil
	}
	productKey := event.ProductKey()
	if event.UserID == nil || productKey == "" {
		return nil, nil
	}
	ent, found, err := s.GetEntitlement(ctx, event.OrganizationID, *event.UserID, event.Source, productKey)
	if err != nil {
		return nil, fmt.Errorf("unrevoked_refund: load entitlement: %w", err)
	}
	if !found || !ent.State.IsAccessGranting() {
		return nil, nil
	}

	f := &Finding{
		DedupKey: fmt.Sprintf("unrevoked_refund:%s:%s", event.UserID, productKey),
		Severity: domain.SeverityCritical,
		Title:    fmt.Sprintf("%s on %s with entitlement still %s", event.EventType, productKey, ent.State),
		Details: map[string]interface{}{
			"event_id":       event.ID,
			"entitlement_id": ent.ID,
			"state":          ent.State,
			"user_id":        event.UserID,
		},
		UserID: event.UserID,
	}
	if event.AmountCents > 0 {
		amount := event.AmountCents
		f.EstimatedRevenueCents = &amount
	}
	return f, nil
}

var _ SyncDetector = UnrevokedRefundDetector{}
