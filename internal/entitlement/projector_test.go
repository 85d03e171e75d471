package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/entitlement"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func newEvent(orgID, userID uuid.UUID, typ domain.CanonicalEventType, productID string) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Source:         domain.SourceStripe,
		IdempotencyKey: uuid.NewString(),
		EventType:      typ,
		Status:         domain.EventStatusSuccess,
		ProductID:      productID,
		OccurredAt:     time.Now().UTC(),
		ReceivedAt:     time.Now().UTC(),
		UserID:         &userID,
	}
}

// Scenario 1: a refund transitions an active entitlement to
// refunded.
func TestProjector_Apply_RefundTransitionsToRefunded(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")))

	ent, found, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.EntitlementActive, ent.State)

	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventRefund, "pro_monthly")))

	ent, found, err = s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.EntitlementRefunded, ent.State)
}

func TestProjector_Apply_PurchaseWithTrialStartsTrial(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	trialStart := time.Now().UTC()
	ev := newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")
	ev.TrialStartedAt = &trialStart
	require.NoError(t, p.Apply(ctx, ev))

	ent, found, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.EntitlementTrial, ent.State)
}

func TestProjector_Apply_TrialConversionBecomesActive(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	trialStart := time.Now().UTC()
	ev := newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")
	ev.TrialStartedAt = &trialStart
	require.NoError(t, p.Apply(ctx, ev))

	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventTrialConversion, "pro_monthly")))

	ent, found, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.EntitlementActive, ent.State)
}

func TestProjector_Apply_CancellationOnActiveSetsWillCancelNotState(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")))
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventCancellation, "pro_monthly")))

	ent, found, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.EntitlementActive, ent.State)
	assert.True(t, ent.WillCancel)
}

func TestProjector_Apply_BillingRetryThenRenewalReactivates(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")))
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventBillingRetry, "pro_monthly")))

	ent, _, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementBillingRetry, ent.State)

	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventRenewal, "pro_monthly")))
	ent, _, err = s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementActive, ent.State)
}

func TestProjector_Apply_PausedThenResumeReactivates(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	orgID, userID := uuid.New(), uuid.New()
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventPurchase, "pro_monthly")))
	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventPause, "pro_monthly")))

	ent, _, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementPaused, ent.State)

	require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, domain.EventResume, "pro_monthly")))
	ent, _, err = s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementActive, ent.State)
}

// Monotonic projection: replaying the same event sequence
// from scratch produces the same final state as incremental application.
func TestProjector_Apply_MonotonicReplayMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	orgID, userID := uuid.New(), uuid.New()
	events := []domain.CanonicalEventType{
		domain.EventPurchase, domain.EventRenewal, domain.EventBillingRetry,
		domain.EventRenewal, domain.EventCancellation,
	}

	run := func() domain.EntitlementState {
		s := storetest.New()
		p := entitlement.NewProjector(s, zap.NewNop())
		for _, typ := range events {
			require.NoError(t, p.Apply(ctx, newEvent(orgID, userID, typ, "pro_monthly")))
		}
		ent, found, err := s.GetEntitlement(ctx, orgID, userID, domain.SourceStripe, "pro_monthly")
		require.NoError(t, err)
		require.True(t, found)
		return ent.State
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestProjector_Apply_NoProductKeyIsNoop(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	userID := uuid.New()
	ev := newEvent(uuid.New(), userID, domain.EventRefund, "")
	ev.ExternalSubscriptionID = ""
	require.NoError(t, p.Apply(ctx, ev))
	assert.Empty(t, s.Entitlements)
}

func TestProjector_Apply_UnresolvedUserIsError(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	ev := newEvent(uuid.New(), uuid.New(), domain.EventPurchase, "pro_monthly")
	ev.UserID = nil
	err := p.Apply(ctx, ev)
	require.ErrorIs(t, err, entitlement.ErrInvalidInput)
}

func TestProjector_SweepGrace_AdvancesOverdueActiveToGracePeriod(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	past := time.Now().UTC().Add(-96 * time.Hour)
	ent := domain.Entitlement{
		ID: uuid.New(), OrganizationID: uuid.New(), UserID: uuid.New(),
		Source: domain.SourceStripe, ProductID: "pro_monthly",
		State: domain.EntitlementActive, CurrentPeriodEnd: &past,
	}
	require.NoError(t, s.UpsertEntitlement(ctx, ent))

	advanced, err := p.SweepGrace(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	updated := s.Entitlements[ent.ID]
	assert.Equal(t, domain.EntitlementGracePeriod, updated.State)
	require.NotNil(t, updated.GraceUntil)
}

func TestProjector_SweepGrace_AdvancesExpiredGraceToPastDue(t *testing.T) {
	s := storetest.New()
	p := entitlement.NewProjector(s, zap.NewNop())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	ent := domain.Entitlement{
		ID: uuid.New(), OrganizationID: uuid.New(), UserID: uuid.New(),
		Source: domain.SourceStripe, ProductID: "pro_monthly",
		State: domain.EntitlementGracePeriod, GraceUntil: &past,
	}
	require.NoError(t, s.UpsertEntitlement(ctx, ent))

	advanced, err := p.SweepGrace(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)
	assert.Equal(t, domain.EntitlementPastDue, s.Entitlements[ent.ID].State)
}
