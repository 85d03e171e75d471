// Stripe normalizer: stripe.ConstructEvent for signature verification,
// a switch over event.Type strings, and metadata-based identity/tier
// extraction.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/arc-self/billingwatch/internal/domain"
)

// StripeNormalizer implements Normalizer for Stripe.
type StripeNormalizer struct {
	// apiKey authenticates outbound calls used only by connection
	// verification and the backfill driver — never by Normalize, which
	// operates solely on the already-delivered webhook body.
	apiKey string
}

// NewStripeNormalizer constructs a StripeNormalizer. apiKey may be empty
// if only inbound normalization (no backfill/connection-check) is needed.
func NewStripeNormalizer(apiKey string) *StripeNormalizer {
	return &StripeNormalizer{apiKey: apiKey}
}

func (n *StripeNormalizer) Source() domain.Source { return domain.SourceStripe }

func (n *StripeNormalizer) VerifySignature(body []byte, headers http.Header, secret string) error {
	sig := headers.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, sig, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return withinReplayWindow(time.Unix(int64(event.Created), 0))
}

func (n *StripeNormalizer) Normalize(orgID [16]byte, body []byte) ([]domain.CanonicalEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("stripe: unmarshal event: %w", err)
	}

	base := domain.CanonicalEvent{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Source:          domain.SourceStripe,
		SourceEventType: string(event.Type),
		OccurredAt:      time.Unix(int64(event.Created), 0).UTC(),
		ReceivedAt:      time.Now().UTC(),
		RawPayload:      event.Data.Raw,
	}

	switch event.Type {
	case "customer.subscription.created":
		return n.oneEvent(base, event.ID, "", domain.EventPurchase, domain.EventStatusSuccess, event.Data.Raw)
	case "customer.subscription.updated":
		return n.normalizeSubscriptionUpdated(base, event)
	case "customer.subscription.paused":
		return n.oneEvent(base, event.ID, "", domain.EventPause, domain.EventStatusSuccess, event.Data.Raw)
	case "customer.subscription.resumed":
		return n.oneEvent(base, event.ID, "", domain.EventResume, domain.EventStatusSuccess, event.Data.Raw)
	case "customer.subscription.deleted":
		return n.oneEvent(base, event.ID, "", domain.EventExpiration, domain.EventStatusSuccess, event.Data.Raw)
	case "invoice.payment_succeeded":
		return n.normalizeInvoice(base, event.ID, domain.EventRenewal, domain.EventStatusSuccess, event.Data.Raw)
	case "invoice.payment_failed":
		return n.normalizeInvoice(base, event.ID, domain.EventBillingRetry, domain.EventStatusFailed, event.Data.Raw)
	case "charge.refunded":
		return n.normalizeCharge(base, event.ID, domain.EventRefund, domain.EventStatusRefunded, event.Data.Raw)
	case "charge.dispute.created":
		return n.normalizeCharge(base, event.ID, domain.EventChargeback, domain.EventStatusPending, event.Data.Raw)
	default:
		return nil, fmt.Errorf("stripe event %q: %w", event.Type, ErrUnrecognizedEvent)
	}
}

// idempotencyKey is "{source}:{provider_event_id}" for one-event
// mappings, with a suffix distinguishing fan-out events synthesized
// from a single raw delivery.
func idempotencyKey(source domain.Source, eventID, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("%s:%s", source, eventID)
	}
	return fmt.Sprintf("%s:%s:%s", source, eventID, suffix)
}

func (n *StripeNormalizer) oneEvent(base domain.CanonicalEvent, eventID, suffix string, typ domain.CanonicalEventType, status domain.EventStatus, raw json.RawMessage) ([]domain.CanonicalEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("stripe: unmarshal subscription: %w", err)
	}
	e := base
	e.IdempotencyKey = idempotencyKey(domain.SourceStripe, eventID, suffix)
	e.EventType = typ
	e.Status = status
	e.ExternalSubscriptionID = sub.ID
	e.ExternalUserID = extractStripeUserID(&sub)
	e.Interval, e.ProductID, e.ProductFamily = stripeIntervalAndProduct(&sub)
	e.IdentityHints = stripeIdentityHints(&sub)
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0).UTC()
		e.TrialStartedAt = &t
	}
	return []domain.CanonicalEvent{e}, nil
}

// normalizeSubscriptionUpdated handles Stripe's single "updated" webhook,
// which may carry more than one entitlement-relevant fact at once — a
// single raw payload can fan out to e.g. cancellation + downgrade.
// previous_attributes tells us which facts actually changed.
func (n *StripeNormalizer) normalizeSubscriptionUpdated(base domain.CanonicalEvent, event stripe.Event) ([]domain.CanonicalEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("stripe: unmarshal subscription: %w", err)
	}
	var prev map[string]json.RawMessage
	if len(event.Data.PreviousAttributes) > 0 {
		if b, err := json.Marshal(event.Data.PreviousAttributes); err == nil {
			_ = json.Unmarshal(b, &prev)
		}
	}

	var out []domain.CanonicalEvent

	if raw, ok := prev["status"]; ok {
		var prevStatus string
		_ = json.Unmarshal(raw, &prevStatus)
		if prevStatus == string(stripe.SubscriptionStatusTrialing) && sub.Status == stripe.SubscriptionStatusActive {
			events, err := n.oneEvent(base, event.ID, "trial_conversion", domain.EventTrialConversion, domain.EventStatusSuccess, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
		if sub.Status == stripe.SubscriptionStatusPastDue {
			events, err := n.oneEvent(base, event.ID, "past_due", domain.EventBillingRetry, domain.EventStatusFailed, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
	}

	if raw, ok := prev["cancel_at_period_end"]; ok {
		var prevVal bool
		_ = json.Unmarshal(raw, &prevVal)
		if !prevVal && sub.CancelAtPeriodEnd {
			events, err := n.oneEvent(base, event.ID, "cancel", domain.EventCancellation, domain.EventStatusSuccess, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
	}

	if raw, ok := prev["pause_collection"]; ok {
		var prevPause map[string]interface{}
		_ = json.Unmarshal(raw, &prevPause)
		switch {
		case prevPause == nil && sub.PauseCollection != nil:
			events, err := n.oneEvent(base, event.ID, "pause", domain.EventPause, domain.EventStatusSuccess, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		case prevPause != nil && sub.PauseCollection == nil:
			events, err := n.oneEvent(base, event.ID, "resume", domain.EventResume, domain.EventStatusSuccess, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
	}

	if raw, ok := prev["items"]; ok {
		if delta := stripePriceDelta(raw, &sub); delta != 0 {
			typ := domain.EventUpgrade
			if delta < 0 {
				typ = domain.EventDowngrade
			}
			events, err := n.oneEvent(base, event.ID, "plan_change", typ, domain.EventStatusSuccess, event.Data.Raw)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
	}

	if len(out) == 0 {
		// No tracked fact changed — unmapped but valid webhook noise.
		return nil, nil
	}
	return out, nil
}

// stripePriceDelta compares the previous items payload's unit_amount to
// the current subscription's first item, returning >0 for an increase
// (upgrade), <0 for a decrease (downgrade), 0 if indeterminate.
func stripePriceDelta(prevItemsRaw json.RawMessage, sub *stripe.Subscription) int64 {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return 0
	}
	var wrapper struct {
		Data []struct {
			Price struct {
				UnitAmount int64 `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(prevItemsRaw, &wrapper); err != nil || len(wrapper.Data) == 0 {
		return 0
	}
	return sub.Items.Data[0].Price.UnitAmount - wrapper.Data[0].Price.UnitAmount
}

func (n *StripeNormalizer) normalizeInvoice(base domain.CanonicalEvent, eventID string, typ domain.CanonicalEventType, status domain.EventStatus, raw json.RawMessage) ([]domain.CanonicalEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("stripe: unmarshal invoice: %w", err)
	}
	e := base
	e.IdempotencyKey = idempotencyKey(domain.SourceStripe, eventID, "")
	e.EventType = typ
	e.Status = status
	// Financial enrichment priority: transaction > invoice
	// > subscription. An invoice has no transaction, so invoice wins here.
	e.AmountCents = inv.AmountPaid
	if e.AmountCents == 0 {
		e.AmountCents = inv.AmountDue
	}
	e.Currency = strings.ToUpper(string(inv.Currency))
	if inv.Customer != nil {
		e.ExternalUserID = inv.Customer.ID
		e.IdentityHints = append(e.IdentityHints, inv.Customer.Email)
	}
	if inv.Subscription != nil {
		e.ExternalSubscriptionID = inv.Subscription.ID
	}
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Price != nil {
		e.ProductID = inv.Lines.Data[0].Price.ID
		e.ProductFamily = stripeProductFamily(inv.Lines.Data[0].Price)
		e.Interval = stripeInterval(inv.Lines.Data[0].Price)
	}
	return []domain.CanonicalEvent{e}, nil
}

func (n *StripeNormalizer) normalizeCharge(base domain.CanonicalEvent, eventID string, typ domain.CanonicalEventType, status domain.EventStatus, raw json.RawMessage) ([]domain.CanonicalEvent, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("stripe: unmarshal charge: %w", err)
	}
	e := base
	e.IdempotencyKey = idempotencyKey(domain.SourceStripe, eventID, "")
	e.EventType = typ
	e.Status = status
	// Financial enrichment priority: a charge/transaction always wins.
	e.AmountCents = ch.AmountRefunded
	if e.AmountCents == 0 {
		e.AmountCents = ch.Amount
	}
	e.Currency = strings.ToUpper(string(ch.Currency))
	if ch.Customer != nil {
		e.ExternalUserID = ch.Customer.ID
		e.IdentityHints = append(e.IdentityHints, ch.Customer.Email)
	}
	if ch.Invoice != nil && ch.Invoice.Subscription != nil {
		e.ExternalSubscriptionID = ch.Invoice.Subscription.ID
	}
	return []domain.CanonicalEvent{e}, nil
}

// extractStripeUserID prefers the subscription's own metadata, falling
// back to the customer, matching extractUserIDFromSubscription in the
// grounding example.
func extractStripeUserID(sub *stripe.Subscription) string {
	if sub.Metadata != nil {
		if v, ok := sub.Metadata["user_id"]; ok && v != "" {
			return v
		}
	}
	if sub.Customer != nil {
		return sub.Customer.ID
	}
	return ""
}

func stripeIdentityHints(sub *stripe.Subscription) []string {
	var hints []string
	if sub.Customer != nil {
		if sub.Customer.ID != "" {
			hints = append(hints, sub.Customer.ID)
		}
		if sub.Customer.Email != "" {
			hints = append(hints, sub.Customer.Email)
		}
	}
	if sub.Metadata != nil {
		if v, ok := sub.Metadata["user_id"]; ok && v != "" {
			hints = append(hints, v)
		}
	}
	return hints
}

// stripeIntervalAndProduct derives the canonical billing interval and
// product identifiers from the subscription's first item; any further
// items are not considered.
func stripeIntervalAndProduct(sub *stripe.Subscription) (domain.BillingInterval, string, string) {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return "", "", ""
	}
	price := sub.Items.Data[0].Price
	return stripeInterval(price), price.ID, stripeProductFamily(price)
}

// stripeInterval derives the canonical billing interval: the bare unit
// when the recurring interval count is 1, else "{length}_{unit}".
func stripeInterval(price *stripe.Price) domain.BillingInterval {
	if price == nil || price.Recurring == nil {
		return ""
	}
	unit := string(price.Recurring.Interval)
	count := price.Recurring.IntervalCount
	if count <= 1 {
		return domain.BillingInterval(unit)
	}
	return domain.BillingInterval(fmt.Sprintf("%d_%s", count, unit))
}

// stripeProductFamily groups SKUs via the price's product reference —
// the product ID, not the price ID, is what the duplicate-billing and
// entitlement detectors key on, since a single product can have
// multiple price SKUs (monthly/yearly) representing one entitlement.
func stripeProductFamily(price *stripe.Price) string {
	if price.Product != nil {
		return price.Product.ID
	}
	return price.ID
}

// VerifyConnection lists a page of customers to validate apiKey,
// satisfying the ConnectionVerifier interface.
func (n *StripeNormalizer) VerifyConnection(ctx context.Context, secret string) error {
	sc := &client.API{}
	sc.Init(secret, nil)
	params := &stripe.CustomerListParams{}
	params.Filters.AddFilter("limit", "", "1")
	iter := sc.Customers.List(params)
	iter.Next()
	if err := iter.Err(); err != nil {
		return fmt.Errorf("stripe: verify connection: %w", err)
	}
	return nil
}

// stripeHistoricalPageLimit caps how many events V1Events.List returns
// per page — kept small so a single backfill run yields steady,
// observable progress rather than one giant round trip.
const stripeHistoricalPageLimit = 100

// ListSince implements normalizer.HistoricalSource, paging Stripe's
// event list API (`events.list`) for everything since the given time
// and re-serializing each stripe.Event so it feeds through Normalize
// exactly as a live webhook delivery would.
func (n *StripeNormalizer) ListSince(ctx context.Context, secret string, since time.Time) ([][]byte, error) {
	sc := &client.API{}
	sc.Init(secret, nil)

	params := &stripe.EventListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Filters.AddFilter("limit", "", fmt.Sprintf("%d", stripeHistoricalPageLimit))
	params.Context = ctx

	var bodies [][]byte
	iter := sc.Events.List(params)
	for iter.Next() {
		event := iter.Event()
		body, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("stripe: marshal historical event: %w", err)
		}
		bodies = append(bodies, body)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list events: %w", err)
	}
	return bodies, nil
}

var (
	_ ConnectionVerifier = (*StripeNormalizer)(nil)
	_ HistoricalSource   = (*StripeNormalizer)(nil)
)
