package readapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/readapi"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func getCtx(path string, orgID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(httpctx.WithOrgID(req.Context(), orgID))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_Summary_CountsIssuesConnectionsAndRecentEvents(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	connID := uuid.New()
	s.Connections[connID] = domain.BillingConnection{
		ID: connID, OrganizationID: orgID, Source: domain.SourceStripe, Status: domain.ConnectionActive,
	}
	s.Issues[uuid.New()] = domain.Issue{ID: uuid.New(), OrganizationID: orgID, State: domain.IssueOpen, Severity: domain.SeverityCritical}
	_, err := s.UpsertCanonicalEvent(context.Background(), domain.CanonicalEvent{
		ID: uuid.New(), OrganizationID: orgID, Source: domain.SourceStripe,
		IdempotencyKey: "stripe:evt_1", EventType: domain.EventRenewal,
		OccurredAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/summary", orgID)
	require.NoError(t, h.Summary(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"activeConnections":1`)
	assert.Contains(t, rec.Body.String(), `"eventsLast24h":1`)
	assert.Contains(t, rec.Body.String(), `"critical":1`)
}

func TestHandler_RevenueImpact_SumsRevenueAcrossLiveIssues(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	amount1, amount2 := int64(1000), int64(500)
	s.Issues[uuid.New()] = domain.Issue{ID: uuid.New(), OrganizationID: orgID, State: domain.IssueOpen, EstimatedRevenueCents: &amount1}
	s.Issues[uuid.New()] = domain.Issue{ID: uuid.New(), OrganizationID: orgID, State: domain.IssueAcknowledged, EstimatedRevenueCents: &amount2}
	resolved := int64(9999)
	s.Issues[uuid.New()] = domain.Issue{ID: uuid.New(), OrganizationID: orgID, State: domain.IssueResolved, EstimatedRevenueCents: &resolved}

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/revenue-impact", orgID)
	require.NoError(t, h.RevenueImpact(c))
	assert.Contains(t, rec.Body.String(), `"estimatedRevenueCents":1500`)
	assert.Contains(t, rec.Body.String(), `"openIssueCount":2`)
}

func TestHandler_EntitlementHealth_ReturnsPerStateCounts(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	s.Entitlements[uuid.New()] = domain.Entitlement{ID: uuid.New(), OrganizationID: orgID, State: domain.EntitlementActive}
	s.Entitlements[uuid.New()] = domain.Entitlement{ID: uuid.New(), OrganizationID: orgID, State: domain.EntitlementActive}
	s.Entitlements[uuid.New()] = domain.Entitlement{ID: uuid.New(), OrganizationID: orgID, State: domain.EntitlementPastDue}

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/entitlements/health", orgID)
	require.NoError(t, h.EntitlementHealth(c))
	assert.Contains(t, rec.Body.String(), `"active":2`)
	assert.Contains(t, rec.Body.String(), `"past_due":1`)
}

func TestHandler_Events_PaginatesNewestFirst(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := s.UpsertCanonicalEvent(context.Background(), domain.CanonicalEvent{
			ID: uuid.New(), OrganizationID: orgID, Source: domain.SourceStripe,
			IdempotencyKey: uuid.NewString(), EventType: domain.EventRenewal,
			SourceEventType: "invoice.paid", OccurredAt: now.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/events?limit=2", orgID)
	require.NoError(t, h.Events(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	events, err := s.ListOrgCanonicalEvents(context.Background(), orgID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].OccurredAt.After(events[1].OccurredAt))
}

func TestHandler_UserProfile_ReturnsIdentitiesAndEntitlements(t *testing.T) {
	s := storetest.New()
	orgID, userID := uuid.New(), uuid.New()
	s.Users[userID] = domain.User{ID: userID, OrganizationID: orgID, PrimaryEmail: "x@y.com"}
	s.UserIdentities = append(s.UserIdentities, domain.UserIdentity{
		ID: uuid.New(), UserID: userID, OrganizationID: orgID,
		Source: domain.SourceStripe, Kind: domain.IdentityProviderID, Value: "stripe:cus_1",
	})
	s.Entitlements[uuid.New()] = domain.Entitlement{
		ID: uuid.New(), OrganizationID: orgID, UserID: userID,
		Source: domain.SourceStripe, ProductID: "pro_monthly", State: domain.EntitlementActive,
	}

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/users/"+userID.String(), orgID)
	c.SetParamNames("id")
	c.SetParamValues(userID.String())
	require.NoError(t, h.UserProfile(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stripe:cus_1")
	assert.Contains(t, rec.Body.String(), "pro_monthly")
}

func TestHandler_UserProfile_OtherOrganizationsUserIsNotFound(t *testing.T) {
	s := storetest.New()
	orgID, userID := uuid.New(), uuid.New()
	s.Users[userID] = domain.User{ID: userID, OrganizationID: uuid.New()}

	h := readapi.NewHandler(s)
	c, rec := getCtx("/v1/users/"+userID.String(), orgID)
	c.SetParamNames("id")
	c.SetParamValues(userID.String())
	require.NoError(t, h.UserProfile(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_MissingOrgContextReturnsUnauthorized(t *testing.T) {
	s := storetest.New()
	h := readapi.NewHandler(s)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/summary", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.Summary(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
