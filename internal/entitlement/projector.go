// Package entitlement implements the entitlement projector: a state
// machine over domain.Entitlement driven by canonical events, with a
// lazily-evaluated grace-period/past-due sweep run on a schedule
// rather than computed inline on every read.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// ErrInvalidInput is returned for canonical events the projector cannot
// apply to the state machine (e.g. unresolved user).
var ErrInvalidInput = errors.New("entitlement: invalid input")

// defaultGraceWindow is the provider-default window an entitlement may
// sit past its current_period_end, with no intervening event, before the
// lazy sweep moves it into grace_period.
const defaultGraceWindow = 72 * time.Hour

// pastDueWindow is how long an entitlement may sit in grace_period
// before the lazy sweep advances it to past_due.
const pastDueWindow = 7 * 24 * time.Hour

// Projector implements ingest.EntitlementProjector over a store.Querier.
type Projector struct {
	store store.Querier
	log   *zap.Logger
}

// NewProjector constructs a Projector.
func NewProjector(s store.Querier, log *zap.Logger) *Projector {
	return &Projector{store: s, log: log}
}

// Apply advances the entitlement state machine for event. Events with
// no resolvable product (e.g. a bare refund with no line-item context)
// are a no-op, not an error; external_subscription_id stands in as a
// product proxy when no product id is present.
func (p *Projector) Apply(ctx context.Context, event domain.CanonicalEvent) error {
	if event.UserID == nil {
		return fmt.Errorf("%w: event %s has no resolved user", ErrInvalidInput, event.ID)
	}
	productKey := event.ProductKey()
	if productKey == "" {
		return nil
	}

	existing, found, err := p.store.GetEntitlement(ctx, event.OrganizationID, *event.UserID, event.Source, productKey)
	if err != nil {
		return fmt.Errorf("entitlement: load existing: %w", err)
	}

	next, upsert := nextState(existing, found, event)
	if !upsert {
		// This event carries no actionable transition from the current
		// state, e.g. a cancellation with no entitlement on record, or
		// a resume while active.
		if err := p.raiseConflict(ctx, event, existing, found); err != nil {
			p.log.Warn("entitlement: failed to record projection conflict", zap.Error(err))
		}
		return nil
	}
	next.OrganizationID = event.OrganizationID
	next.UserID = *event.UserID
	next.Source = event.Source
	next.ProductID = productKey
	next.ExternalSubscriptionID = event.ExternalSubscriptionID
	next.LastEventID = event.ID
	next.UpdatedAt = time.Now().UTC()
	if found {
		next.ID = existing.ID
	}

	if err := p.store.UpsertEntitlement(ctx, next); err != nil {
		return fmt.Errorf("entitlement: upsert: %w", err)
	}
	return nil
}

// raiseConflict records a best-effort diagnostic for an impossible
// transition as a warning log line only; no issue row is created for it.
// It always returns nil — the event is still stored and the entitlement
// is simply left unchanged.
func (p *Projector) raiseConflict(ctx context.Context, event domain.CanonicalEvent, existing domain.Entitlement, found bool) error {
	state := "absent"
	if found {
		state = string(existing.State)
	}
	p.log.Warn("entitlement: projection conflict, no transition for event",
		zap.String("event_type", string(event.EventType)),
		zap.String("current_state", state),
		zap.String("event_id", event.ID.String()))
	return nil
}

// category buckets the twelve canonical event types into the seven
// transition-table columns.
type category int

const (
	catPurchaseOrConversion category = iota
	catRenewal
	catCancellation
	catTerminal // expiration/refund/chargeback
	catBillingRetry
	catPause
	catResume
	catOther // upgrade/downgrade: bookkeeping only, no state transition
)

func categorize(t domain.CanonicalEventType) category {
	switch t {
	case domain.EventPurchase, domain.EventTrialConversion:
		return catPurchaseOrConversion
	case domain.EventRenewal:
		return catRenewal
	case domain.EventCancellation:
		return catCancellation
	case domain.EventExpiration, domain.EventRefund, domain.EventChargeback:
		return catTerminal
	case domain.EventBillingRetry:
		return catBillingRetry
	case domain.EventPause:
		return catPause
	case domain.EventResume:
		return catResume
	default:
		return catOther
	}
}

// terminalStateFor maps one of the three terminal event types to its
// specific entitlement state.
func terminalStateFor(t domain.CanonicalEventType) domain.EntitlementState {
	switch t {
	case domain.EventRefund:
		return domain.EntitlementRefunded
	case domain.EventChargeback:
		return domain.EntitlementRevoked
	default: // expiration
		return domain.EntitlementExpired
	}
}

// nextState computes the post-event entitlement row. The second
// return value is false
// when the table cell is "—" — no transition applies from the current
// state, and the caller must leave the entitlement untouched.
func nextState(existing domain.Entitlement, found bool, event domain.CanonicalEvent) (domain.Entitlement, bool) {
	cat := categorize(event.EventType)
	e := existing

	if cat == catOther {
		// upgrade/downgrade: same entitlement, new product/price —
		// bookkeeping only, no state change, but still worth recording
		// so current_period_end/product reflect the latest event.
		if !found {
			return e, false
		}
		applyPeriod(&e, event)
		return e, true
	}

	if !found {
		switch cat {
		case catPurchaseOrConversion:
			state := domain.EntitlementActive
			if event.TrialStartedAt != nil && event.EventType == domain.EventPurchase {
				state = domain.EntitlementTrial
			}
			e = domain.Entitlement{State: state}
			applyPeriod(&e, event)
			return e, true
		case catRenewal:
			e = domain.Entitlement{State: domain.EntitlementActive}
			applyPeriod(&e, event)
			return e, true
		default:
			return e, false
		}
	}

	switch e.State {
	case domain.EntitlementActive:
		switch cat {
		case catPurchaseOrConversion, catRenewal:
			e.State = domain.EntitlementActive
			e.WillCancel = false
			applyPeriod(&e, event)
		case catCancellation:
			e.WillCancel = true
		case catTerminal:
			e.State = terminalStateFor(event.EventType)
			e.GraceUntil = nil
		case catBillingRetry:
			e.State = domain.EntitlementBillingRetry
		case catPause:
			e.State = domain.EntitlementPaused
		default:
			return e, false
		}
	case domain.EntitlementTrial:
		switch cat {
		case catPurchaseOrConversion, catRenewal:
			e.State = domain.EntitlementActive
			e.WillCancel = false
			applyPeriod(&e, event)
		case catCancellation:
			e.WillCancel = true
		case catTerminal:
			e.State = domain.EntitlementExpired
			e.GraceUntil = nil
		case catBillingRetry:
			e.State = domain.EntitlementBillingRetry
		case catPause:
			e.State = domain.EntitlementPaused
		default:
			return e, false
		}
	case domain.EntitlementBillingRetry:
		switch cat {
		case catPurchaseOrConversion, catRenewal:
			e.State = domain.EntitlementActive
			applyPeriod(&e, event)
		case catCancellation:
			e.State = domain.EntitlementCanceled
		case catTerminal:
			e.State = domain.EntitlementExpired
			e.GraceUntil = nil
		case catBillingRetry:
			// stays billing_retry
		case catPause:
			e.State = domain.EntitlementPaused
		default:
			return e, false
		}
	case domain.EntitlementPaused:
		switch cat {
		case catPurchaseOrConversion:
			// table cell is "paused" — a purchase/conversion event while
			// paused does not itself resume access.
		case catRenewal:
			e.State = domain.EntitlementActive
			applyPeriod(&e, event)
		case catCancellation:
			e.State = domain.EntitlementCanceled
		case catTerminal:
			e.State = domain.EntitlementExpired
			e.GraceUntil = nil
		case catBillingRetry:
			e.State = domain.EntitlementBillingRetry
		case catResume:
			e.State = domain.EntitlementActive
		default:
			return e, false
		}
	case domain.EntitlementGracePeriod, domain.EntitlementPastDue:
		// Not reachable via live events (only the lazy sweep produces
		// these); treat like active for the purposes of reactivation.
		switch cat {
		case catPurchaseOrConversion, catRenewal:
			e.State = domain.EntitlementActive
			e.GraceUntil = nil
			applyPeriod(&e, event)
		case catTerminal:
			e.State = terminalStateFor(event.EventType)
			e.GraceUntil = nil
		case catBillingRetry:
			e.State = domain.EntitlementBillingRetry
		default:
			return e, false
		}
	case domain.EntitlementExpired, domain.EntitlementCanceled, domain.EntitlementRevoked, domain.EntitlementRefunded:
		switch cat {
		case catPurchaseOrConversion, catRenewal:
			e.State = domain.EntitlementActive
			e.WillCancel = false
			e.GraceUntil = nil
			applyPeriod(&e, event)
		default:
			return e, false
		}
	default:
		return e, false
	}
	return e, true
}

// applyPeriod overwrites current_period_end with the event's derived
// period end when the event carries interval information.
func applyPeriod(e *domain.Entitlement, event domain.CanonicalEvent) {
	start := event.OccurredAt
	e.CurrentPeriodStart = &start
	if !event.Interval.IsSet() {
		return
	}
	end := addInterval(event.OccurredAt, event.Interval)
	e.CurrentPeriodEnd = &end
}

// addInterval advances from by the canonical billing interval, parsed
// from its "{unit}" / "{length}_{unit}" representation.
func addInterval(from time.Time, interval domain.BillingInterval) time.Time {
	length, unit := parseInterval(interval)
	switch unit {
	case "day":
		return from.AddDate(0, 0, length)
	case "week":
		return from.AddDate(0, 0, 7*length)
	case "year":
		return from.AddDate(length, 0, 0)
	case "month":
		return from.AddDate(0, length, 0)
	default:
		// Unknown cadence: default to monthly so an entitlement never
		// silently never-expires.
		return from.AddDate(0, 1, 0)
	}
}

func parseInterval(interval domain.BillingInterval) (int, string) {
	s := string(interval)
	if idx := strings.IndexByte(s, '_'); idx >= 0 {
		n, err := strconv.Atoi(s[:idx])
		if err != nil || n < 1 {
			n = 1
		}
		return n, s[idx+1:]
	}
	return 1, s
}

// SweepGrace lazily advances entitlements whose current_period_end has
// passed with no intervening event: active/trial/billing_retry rows
// move into grace_period once past the grace window, and rows already
// in grace_period move into past_due once past_due's own window
// elapses — the scheduled-scan half of the state machine, run by the
// server's own grace-sweep ticker on the detection engine's scan
// interval.
func (p *Projector) SweepGrace(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	// Two cutoffs: a period-end only counts as overdue once the grace
	// window has fully elapsed, but a grace_until is itself the
	// deadline — rows past it advance on the next sweep, not 72h later.
	overdue, err := p.store.ListEntitlementsInGrace(ctx, now.Add(-defaultGraceWindow), now)
	if err != nil {
		return 0, fmt.Errorf("entitlement: list overdue: %w", err)
	}
	advanced := 0
	for _, e := range overdue {
		switch e.State {
		case domain.EntitlementActive, domain.EntitlementTrial, domain.EntitlementBillingRetry:
			e.State = domain.EntitlementGracePeriod
			graceUntil := now.Add(pastDueWindow)
			e.GraceUntil = &graceUntil
		case domain.EntitlementGracePeriod:
			if e.GraceUntil == nil || now.Before(*e.GraceUntil) {
				continue
			}
			e.State = domain.EntitlementPastDue
			e.GraceUntil = nil
		default:
			continue
		}
		e.UpdatedAt = now
		if err := p.store.UpsertEntitlement(ctx, e); err != nil {
			p.log.Error("entitlement: failed to sweep grace entitlement", zap.String("entitlement_id", e.ID.String()), zap.Error(err))
			continue
		}
		advanced++
	}
	return advanced, nil
}
