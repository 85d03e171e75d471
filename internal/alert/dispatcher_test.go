package alert_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/alert"
	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func TestDispatcher_HandleIssue_SignsDeliveryWithConfigSecret(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Billingwatch-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := storetest.New()
	orgID := uuid.New()
	cfg := domain.AlertConfig{ID: uuid.New(), OrganizationID: orgID, URL: srv.URL, Secret: "sekret", MinSeverity: domain.SeverityWarning, RateLimitPer5Min: 5, Enabled: true}
	s.AlertConfigs[orgID] = []domain.AlertConfig{cfg}

	d := alert.NewDispatcher(s, zap.NewNop())
	issue := domain.Issue{ID: uuid.New(), OrganizationID: orgID, Severity: domain.SeverityCritical, Title: "something broke"}
	d.HandleIssue(context.Background(), issue, "")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotBody)
	mac := hmac.New(sha256.New, []byte("sekret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.Contains(t, string(gotBody), `"previous_status"`)
	assert.Contains(t, string(gotBody), "something broke")

	require.Len(t, s.AlertDeliveries, 1)
	assert.Equal(t, domain.DeliverySuccess, s.AlertDeliveries[0].Status)
}

func TestDispatcher_HandleIssue_BelowSeverityFloorSkipsDelivery(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := storetest.New()
	orgID := uuid.New()
	cfg := domain.AlertConfig{ID: uuid.New(), OrganizationID: orgID, URL: srv.URL, Secret: "s", MinSeverity: domain.SeverityCritical, RateLimitPer5Min: 5, Enabled: true}
	s.AlertConfigs[orgID] = []domain.AlertConfig{cfg}

	d := alert.NewDispatcher(s, zap.NewNop())
	issue := domain.Issue{ID: uuid.New(), OrganizationID: orgID, Severity: domain.SeverityWarning}
	d.HandleIssue(context.Background(), issue, "")

	assert.Zero(t, atomic.LoadInt32(&called))
	assert.Empty(t, s.AlertDeliveries)
}

func TestDispatcher_HandleIssue_SinkErrorRecordsFailedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := storetest.New()
	orgID := uuid.New()
	cfg := domain.AlertConfig{ID: uuid.New(), OrganizationID: orgID, URL: srv.URL, Secret: "s", MinSeverity: domain.SeverityInfo, RateLimitPer5Min: 5, Enabled: true}
	s.AlertConfigs[orgID] = []domain.AlertConfig{cfg}

	d := alert.NewDispatcher(s, zap.NewNop())
	d.HandleIssue(context.Background(), domain.Issue{ID: uuid.New(), OrganizationID: orgID, Severity: domain.SeverityCritical}, "")

	require.Len(t, s.AlertDeliveries, 1)
	assert.Equal(t, domain.DeliveryFailed, s.AlertDeliveries[0].Status)
}

// The token bucket allows a burst of RateLimitPer5Min deliveries, then
// rate-limits further deliveries within the same window.
func TestDispatcher_HandleIssue_ExceedsRateLimitRecordsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := storetest.New()
	orgID := uuid.New()
	cfg := domain.AlertConfig{ID: uuid.New(), OrganizationID: orgID, URL: srv.URL, Secret: "s", MinSeverity: domain.SeverityInfo, RateLimitPer5Min: 1, Enabled: true}
	s.AlertConfigs[orgID] = []domain.AlertConfig{cfg}

	d := alert.NewDispatcher(s, zap.NewNop())
	issue := domain.Issue{ID: uuid.New(), OrganizationID: orgID, Severity: domain.SeverityCritical}
	d.HandleIssue(context.Background(), issue, "")
	d.HandleIssue(context.Background(), issue, "")

	require.Len(t, s.AlertDeliveries, 2)
	assert.Equal(t, domain.DeliverySuccess, s.AlertDeliveries[0].Status)
	assert.Equal(t, domain.DeliveryRateLimited, s.AlertDeliveries[1].Status)
}
