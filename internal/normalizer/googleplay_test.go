package normalizer_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/normalizer"
)

func pubsubEnvelope(t *testing.T, payload interface{}, publishTime time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	env := map[string]interface{}{
		"message": map[string]interface{}{
			"data":        base64.StdEncoding.EncodeToString(raw),
			"messageId":   "msg-1",
			"publishTime": publishTime.UTC().Format(time.RFC3339Nano),
		},
		"subscription": "projects/p/subscriptions/s",
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestGooglePlayNormalizer_VerifySignature_FreshPublishTimeSucceeds(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{"packageName": "com.app"}, time.Now())

	require.NoError(t, n.VerifySignature(body, http.Header{}, ""))
}

func TestGooglePlayNormalizer_VerifySignature_StalePublishTimeFails(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{"packageName": "com.app"}, time.Now().Add(-time.Hour))

	err := n.VerifySignature(body, http.Header{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrInvalidSignature)
}

func TestGooglePlayNormalizer_VerifySignature_EmptyDataFails(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body, err := json.Marshal(map[string]interface{}{
		"message":      map[string]interface{}{"data": ""},
		"subscription": "projects/p/subscriptions/s",
	})
	require.NoError(t, err)

	err = n.VerifySignature(body, http.Header{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrInvalidSignature)
}

func TestGooglePlayNormalizer_Normalize_SubscriptionRenewedMapsToRenewal(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{
		"packageName": "com.app",
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": 2,
			"purchaseToken":    "tok_1",
			"subscriptionId":   "com.app.pro.monthly",
		},
	}, time.Now())

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, domain.EventRenewal, e.EventType)
	assert.Equal(t, domain.EventStatusSuccess, e.Status)
	assert.Equal(t, "tok_1", e.ExternalSubscriptionID)
	assert.Equal(t, "com.app.pro.monthly", e.ProductID)
}

func TestGooglePlayNormalizer_Normalize_VoidedPurchaseMapsToRefund(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{
		"packageName": "com.app",
		"voidedPurchaseNotification": map[string]interface{}{
			"purchaseToken": "tok_1",
			"orderId":       "order_1",
		},
	}, time.Now())

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRefund, events[0].EventType)
	assert.Equal(t, domain.EventStatusRefunded, events[0].Status)
}

func TestGooglePlayNormalizer_Normalize_UnrecognizedNotificationTypeIsError(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{
		"packageName": "com.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 99,
			"purchaseToken":    "tok_1",
		},
	}, time.Now())

	_, err := n.Normalize([16]byte{}, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrUnrecognizedEvent)
}

func TestGooglePlayNormalizer_Normalize_UnrecognizedShapeIsError(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	body := pubsubEnvelope(t, map[string]interface{}{"packageName": "com.app"}, time.Now())

	_, err := n.Normalize([16]byte{}, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrUnrecognizedEvent)
}

func TestGooglePlayNormalizer_IdempotencyKey_DistinguishesNotificationTypes(t *testing.T) {
	n := normalizer.NewGooglePlayNormalizer("com.app")
	renewed := pubsubEnvelope(t, map[string]interface{}{
		"packageName": "com.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 2,
			"purchaseToken":    "tok_1",
			"subscriptionId":   "com.app.pro.monthly",
		},
	}, time.Now())
	canceled := pubsubEnvelope(t, map[string]interface{}{
		"packageName": "com.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 3,
			"purchaseToken":    "tok_1",
			"subscriptionId":   "com.app.pro.monthly",
		},
	}, time.Now())

	renewedEvents, err := n.Normalize([16]byte{}, renewed)
	require.NoError(t, err)
	canceledEvents, err := n.Normalize([16]byte{}, canceled)
	require.NoError(t, err)

	assert.NotEqual(t, renewedEvents[0].IdempotencyKey, canceledEvents[0].IdempotencyKey)
}
