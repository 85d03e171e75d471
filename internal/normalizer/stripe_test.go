package normalizer_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/normalizer"
)

// signStripePayload builds the "Stripe-Signature" header stripe-go's
// webhook.ConstructEvent expects: "t={unix},v1={hex hmac-sha256 of
// '{t}.{payload}'}", per stripe.com/docs/webhooks/signatures.
func signStripePayload(payload []byte, secret string, at time.Time) string {
	t := at.Unix()
	signedPayload := fmt.Sprintf("%d.%s", t, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	v1 := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", t, v1)
}

func stripeEventBody(t *testing.T, typ string, created time.Time, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":      "evt_" + uuid.NewString(),
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]interface{}{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return body
}

func TestStripeNormalizer_VerifySignature_ValidSignatureSucceeds(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	secret := "whsec_test"
	body := stripeEventBody(t, "customer.subscription.created", time.Now(), map[string]interface{}{"id": "sub_1"})

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripePayload(body, secret, time.Now()))

	require.NoError(t, n.VerifySignature(body, headers, secret))
}

func TestStripeNormalizer_VerifySignature_WrongSecretFails(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "customer.subscription.created", time.Now(), map[string]interface{}{"id": "sub_1"})

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripePayload(body, "whsec_test", time.Now()))

	err := n.VerifySignature(body, headers, "whsec_other")
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrInvalidSignature)
}

func TestStripeNormalizer_VerifySignature_StaleTimestampFails(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	secret := "whsec_test"
	old := time.Now().Add(-1 * time.Hour)
	body := stripeEventBody(t, "customer.subscription.created", old, map[string]interface{}{"id": "sub_1"})

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripePayload(body, secret, old))

	err := n.VerifySignature(body, headers, secret)
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrInvalidSignature)
}

func TestStripeNormalizer_Normalize_SubscriptionCreatedMapsToPurchase(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "customer.subscription.created", time.Now(), map[string]interface{}{
		"id":       "sub_1",
		"customer": map[string]interface{}{"id": "cus_1", "email": "a@b.com"},
		"metadata": map[string]interface{}{"user_id": "u_1"},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price": map[string]interface{}{
					"id":        "price_1",
					"product":   map[string]interface{}{"id": "prod_1"},
					"recurring": map[string]interface{}{"interval": "month", "interval_count": 1},
				},
			}},
		},
	})

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, domain.EventPurchase, e.EventType)
	assert.Equal(t, domain.EventStatusSuccess, e.Status)
	assert.Equal(t, "sub_1", e.ExternalSubscriptionID)
	assert.Equal(t, "u_1", e.ExternalUserID, "subscription metadata user_id wins over customer id")
	assert.Equal(t, "price_1", e.ProductID)
	assert.Equal(t, domain.BillingInterval("month"), e.Interval)
}

func TestStripeNormalizer_Normalize_MultiMonthInterval(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "customer.subscription.created", time.Now(), map[string]interface{}{
		"id": "sub_1",
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price": map[string]interface{}{
					"id":        "price_1",
					"recurring": map[string]interface{}{"interval": "month", "interval_count": 3},
				},
			}},
		},
	})

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.BillingInterval("3_month"), events[0].Interval)
}

func TestStripeNormalizer_Normalize_UnrecognizedEventTypeIsError(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "payment_intent.created", time.Now(), map[string]interface{}{"id": "pi_1"})

	_, err := n.Normalize([16]byte{}, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, normalizer.ErrUnrecognizedEvent)
}

// A Stripe "customer.subscription.updated" webhook may describe more than
// one entitlement-relevant fact at once: a simultaneous
// cancel-at-period-end flip and a price increase fan out to two canonical
// events from a single raw delivery.
func TestStripeNormalizer_Normalize_SubscriptionUpdatedFansOutCancelAndUpgrade(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	raw, err := json.Marshal(map[string]interface{}{
		"id":      "evt_1",
		"type":    "customer.subscription.updated",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                   "sub_1",
				"cancel_at_period_end": true,
				"items": map[string]interface{}{
					"data": []map[string]interface{}{{
						"price": map[string]interface{}{"id": "price_2", "unit_amount": 2000},
					}},
				},
			},
			"previous_attributes": map[string]interface{}{
				"cancel_at_period_end": false,
				"items": map[string]interface{}{
					"data": []map[string]interface{}{{
						"price": map[string]interface{}{"unit_amount": 1000},
					}},
				},
			},
		},
	})
	require.NoError(t, err)

	events, err := n.Normalize([16]byte{}, raw)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var types []domain.CanonicalEventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []domain.CanonicalEventType{domain.EventCancellation, domain.EventUpgrade}, types)
}

func TestStripeNormalizer_Normalize_SubscriptionUpdatedWithNoTrackedChangeIsNoop(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	raw, err := json.Marshal(map[string]interface{}{
		"id":      "evt_1",
		"type":    "customer.subscription.updated",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"object":              map[string]interface{}{"id": "sub_1"},
			"previous_attributes": map[string]interface{}{"metadata": map[string]interface{}{"foo": "bar"}},
		},
	})
	require.NoError(t, err)

	events, err := n.Normalize([16]byte{}, raw)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// Financial enrichment priority: a charge/transaction
// amount always wins over invoice/subscription-level amounts.
func TestStripeNormalizer_Normalize_ChargeRefundUsesAmountRefunded(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "charge.refunded", time.Now(), map[string]interface{}{
		"id":              "ch_1",
		"amount":          5000,
		"amount_refunded": 5000,
		"currency":        "usd",
		"customer":        map[string]interface{}{"id": "cus_1", "email": "a@b.com"},
	})

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, domain.EventRefund, e.EventType)
	assert.Equal(t, domain.EventStatusRefunded, e.Status)
	assert.EqualValues(t, 5000, e.AmountCents)
	assert.Equal(t, "USD", e.Currency)
}

func TestStripeNormalizer_IdempotencyKey_FollowsSourceColonEventIDFormat(t *testing.T) {
	n := normalizer.NewStripeNormalizer("")
	body := stripeEventBody(t, "charge.dispute.created", time.Now(), map[string]interface{}{"id": "ch_1"})
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))
	eventID := raw["id"].(string)

	events, err := n.Normalize([16]byte{}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf("%s:%s", domain.SourceStripe, eventID), events[0].IdempotencyKey)
}
