// Apple App Store Server Notifications V2 normalizer. Notifications
// arrive as a signedPayload JWS; verified here with golang-jwt/jwt/v5
// against the leaf certificate embedded in the JWS "x5c" header.
package normalizer

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
)

// AppleNormalizer implements Normalizer for App Store Server Notifications V2.
type AppleNormalizer struct{}

// NewAppleNormalizer constructs an AppleNormalizer.
func NewAppleNormalizer() *AppleNormalizer { return &AppleNormalizer{} }

func (n *AppleNormalizer) Source() domain.Source { return domain.SourceAppleIAP }

type appleNotificationEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

// applePayload is the decoded JWS claim set (trimmed to the
// fields the normalizer needs).
type applePayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
	jwt.RegisteredClaims
}

type appleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	AppAccountToken       string `json:"appAccountToken"`
}

// VerifySignature parses the outer JSON envelope and verifies the inner
// JWS using the leaf certificate in its x5c header.
func (n *AppleNormalizer) VerifySignature(body []byte, _ http.Header, _ string) error {
	var env appleNotificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: unmarshal envelope: %v", ErrInvalidSignature, err)
	}
	var payload applePayload
	_, err := jwt.ParseWithClaims(env.SignedPayload, &payload, appleKeyfunc, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return withinReplayWindow(time.UnixMilli(payload.SignedDate))
}

// appleKeyfunc extracts the leaf certificate from the JWS "x5c" header
// and returns its public key for signature verification.
func appleKeyfunc(token *jwt.Token) (interface{}, error) {
	chain, ok := token.Header["x5c"].([]interface{})
	if !ok || len(chain) == 0 {
		return nil, fmt.Errorf("missing x5c header")
	}
	leafB64, ok := chain[0].(string)
	if !ok {
		return nil, fmt.Errorf("malformed x5c header")
	}
	der, err := base64.StdEncoding.DecodeString(leafB64)
	if err != nil {
		return nil, fmt.Errorf("decode x5c leaf: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c leaf certificate: %w", err)
	}
	return cert.PublicKey, nil
}

func (n *AppleNormalizer) Normalize(orgID [16]byte, body []byte) ([]domain.CanonicalEvent, error) {
	var env appleNotificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("apple: unmarshal envelope: %w", err)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	var payload applePayload
	if _, _, err := parser.ParseUnverified(env.SignedPayload, &payload); err != nil {
		return nil, fmt.Errorf("apple: parse payload: %w", err)
	}

	var txn appleTransactionInfo
	if payload.Data.SignedTransactionInfo != "" {
		_ = decodeUnverifiedJWSClaims(payload.Data.SignedTransactionInfo, &txn)
	}

	typ, status, ok := appleEventType(payload.NotificationType, payload.Subtype)
	if !ok {
		return nil, fmt.Errorf("apple notification %s/%s: %w", payload.NotificationType, payload.Subtype, ErrUnrecognizedEvent)
	}

	suffix := txn.TransactionID
	if suffix == "" {
		suffix = fmt.Sprintf("%s-%d", payload.NotificationType, payload.SignedDate)
	}
	e := domain.CanonicalEvent{
		ID:                     uuid.New(),
		OrganizationID:         orgID,
		Source:                 domain.SourceAppleIAP,
		IdempotencyKey:         idempotencyKey(domain.SourceAppleIAP, suffix, ""),
		EventType:              typ,
		Status:                 status,
		SourceEventType:        fmt.Sprintf("%s/%s", payload.NotificationType, payload.Subtype),
		ExternalUserID:         firstNonEmpty(txn.AppAccountToken, txn.OriginalTransactionID),
		ExternalSubscriptionID: txn.OriginalTransactionID,
		ProductID:              txn.ProductID,
		ProductFamily:          txn.ProductID,
		AmountCents:            txn.Price,
		Currency:               strings.ToUpper(txn.Currency),
		OccurredAt:             time.UnixMilli(payload.SignedDate).UTC(),
		ReceivedAt:             time.Now().UTC(),
		IdentityHints:          identityHintsNonEmpty(txn.AppAccountToken, txn.OriginalTransactionID),
		RawPayload:             body,
	}
	return []domain.CanonicalEvent{e}, nil
}

// decodeUnverifiedJWSClaims decodes the middle (payload) segment of a
// compact JWS without verifying its signature — used for the nested
// signedTransactionInfo/signedRenewalInfo tokens, which are already
// covered by the outer notification's signature chain.
func decodeUnverifiedJWSClaims(token string, out interface{}) error {
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(token, jwtClaimsAdapter{out})
	return err
}

// jwtClaimsAdapter lets an arbitrary struct satisfy jwt.Claims so
// ParseUnverified can decode a JWS payload directly into it.
type jwtClaimsAdapter struct{ v interface{} }

func (a jwtClaimsAdapter) UnmarshalJSON(data []byte) error              { return json.Unmarshal(data, a.v) }
func (a jwtClaimsAdapter) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (a jwtClaimsAdapter) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (a jwtClaimsAdapter) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (a jwtClaimsAdapter) GetIssuer() (string, error)                   { return "", nil }
func (a jwtClaimsAdapter) GetSubject() (string, error)                  { return "", nil }
func (a jwtClaimsAdapter) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// appleEventType maps App Store Server Notifications V2
// (notificationType, subtype) pairs to the canonical taxonomy.
func appleEventType(notificationType, subtype string) (domain.CanonicalEventType, domain.EventStatus, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return domain.EventPurchase, domain.EventStatusSuccess, true
	case "DID_RENEW":
		return domain.EventRenewal, domain.EventStatusSuccess, true
	case "DID_CHANGE_RENEWAL_PREF":
		switch subtype {
		case "UPGRADE":
			return domain.EventUpgrade, domain.EventStatusSuccess, true
		case "DOWNGRADE":
			return domain.EventDowngrade, domain.EventStatusSuccess, true
		}
		return "", "", false
	case "DID_CHANGE_RENEWAL_STATUS":
		switch subtype {
		case "AUTO_RENEW_DISABLED":
			return domain.EventCancellation, domain.EventStatusSuccess, true
		case "AUTO_RENEW_ENABLED":
			return domain.EventResume, domain.EventStatusSuccess, true
		}
		return "", "", false
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return domain.EventExpiration, domain.EventStatusSuccess, true
	case "DID_FAIL_TO_RENEW":
		return domain.EventBillingRetry, domain.EventStatusFailed, true
	case "REFUND":
		return domain.EventRefund, domain.EventStatusRefunded, true
	case "REVOKE":
		return domain.EventChargeback, domain.EventStatusPending, true
	default:
		return "", "", false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func identityHintsNonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
