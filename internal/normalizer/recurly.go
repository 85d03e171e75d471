// Recurly normalizer. Recurly's classic webhook notifications are XML
// bodies authenticated with a bare HMAC-SHA256; the scheme has no
// framing beyond the HMAC, so crypto/hmac + encoding/xml cover it.
package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
)

// RecurlyNormalizer implements Normalizer for Recurly.
type RecurlyNormalizer struct{}

// NewRecurlyNormalizer constructs a RecurlyNormalizer.
func NewRecurlyNormalizer() *RecurlyNormalizer { return &RecurlyNormalizer{} }

func (n *RecurlyNormalizer) Source() domain.Source { return domain.SourceRecurly }

// recurlyNotification captures the handful of top-level notification
// shapes this service maps into canonical events.
type recurlyNotification struct {
	XMLName xml.Name `xml:""`
	Account struct {
		AccountCode string `xml:"account_code"`
		Email       string `xml:"email"`
	} `xml:"account"`
	Subscription struct {
		UUID            string `xml:"uuid"`
		PlanCode        string `xml:"plan_code"`
		UnitAmountCents int64  `xml:"unit_amount_in_cents"`
		Currency        string `xml:"currency"`
		ActivatedAt     string `xml:"activated_at"`
	} `xml:"subscription"`
	Transaction struct {
		UUID        string `xml:"uuid"`
		AmountCents int64  `xml:"amount_in_cents"`
		Currency    string `xml:"currency"`
	} `xml:"transaction"`
}

func (n *RecurlyNormalizer) VerifySignature(body []byte, headers http.Header, secret string) error {
	sig := headers.Get("X-Recurly-Signature")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: hmac mismatch", ErrInvalidSignature)
	}
	dateHeader := headers.Get("Date")
	if dateHeader == "" {
		return nil
	}
	t, err := http.ParseTime(dateHeader)
	if err != nil {
		return nil
	}
	return withinReplayWindow(t)
}

func (n *RecurlyNormalizer) Normalize(orgID [16]byte, body []byte) ([]domain.CanonicalEvent, error) {
	var note recurlyNotification
	if err := xml.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("recurly: unmarshal xml: %w", err)
	}

	typ, status, ok := recurlyEventType(note.XMLName.Local)
	if !ok {
		return nil, fmt.Errorf("recurly notification %q: %w", note.XMLName.Local, ErrUnrecognizedEvent)
	}

	e := domain.CanonicalEvent{
		ID:                     uuid.New(),
		OrganizationID:         orgID,
		Source:                 domain.SourceRecurly,
		EventType:              typ,
		Status:                 status,
		SourceEventType:        note.XMLName.Local,
		ExternalUserID:         note.Account.AccountCode,
		ExternalSubscriptionID: note.Subscription.UUID,
		ProductID:              note.Subscription.PlanCode,
		ProductFamily:          note.Subscription.PlanCode,
		AmountCents:            firstNonZero(note.Transaction.AmountCents, note.Subscription.UnitAmountCents),
		Currency:               strings.ToUpper(firstNonEmpty(note.Transaction.Currency, note.Subscription.Currency)),
		OccurredAt:             time.Now().UTC(),
		ReceivedAt:             time.Now().UTC(),
		IdentityHints:          identityHintsNonEmpty(note.Account.Email, note.Account.AccountCode),
		RawPayload:             body,
	}
	e.IdempotencyKey = idempotencyKey(domain.SourceRecurly, firstNonEmpty(note.Transaction.UUID, note.Subscription.UUID, note.Account.AccountCode), note.XMLName.Local)
	return []domain.CanonicalEvent{e}, nil
}

// recurlyEventType maps Recurly's classic XML notification names to the
// canonical taxonomy. "updated_subscription_notification"
// carries no before/after price to classify as upgrade/downgrade in the
// classic XML shape, so it is intentionally unmapped — expected noise,
// not an error.
func recurlyEventType(notificationName string) (domain.CanonicalEventType, domain.EventStatus, bool) {
	switch notificationName {
	case "new_subscription_notification":
		return domain.EventPurchase, domain.EventStatusSuccess, true
	case "renewed_subscription_notification":
		return domain.EventRenewal, domain.EventStatusSuccess, true
	case "canceled_subscription_notification":
		return domain.EventCancellation, domain.EventStatusSuccess, true
	case "expired_subscription_notification":
		return domain.EventExpiration, domain.EventStatusSuccess, true
	case "paused_subscription_notification":
		return domain.EventPause, domain.EventStatusSuccess, true
	case "resumed_subscription_notification":
		return domain.EventResume, domain.EventStatusSuccess, true
	case "successful_payment_notification":
		return domain.EventRenewal, domain.EventStatusSuccess, true
	case "failed_payment_notification", "past_due_invoice_notification":
		return domain.EventBillingRetry, domain.EventStatusFailed, true
	case "successful_refund_notification":
		return domain.EventRefund, domain.EventStatusRefunded, true
	default:
		return "", "", false
	}
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
