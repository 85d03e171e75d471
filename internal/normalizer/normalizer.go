// Package normalizer implements the provider normalizers: one
// Normalizer per billing provider, verifying inbound
// webhook authenticity and mapping provider-native payloads into
// domain.CanonicalEvent.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arc-self/billingwatch/internal/domain"
)

// ErrInvalidSignature is returned when webhook signature/JWS verification
// fails — a terminal error, never retried.
var ErrInvalidSignature = errors.New("normalizer: invalid signature")

// ErrUnrecognizedEvent marks a payload this normalizer cannot map into
// the canonical taxonomy; the caller should ack and drop it, not retry.
var ErrUnrecognizedEvent = errors.New("normalizer: unrecognized event")

// Normalizer verifies and normalizes webhooks from a single provider.
type Normalizer interface {
	Source() domain.Source

	// VerifySignature checks body/header authenticity and the replay
	// window, returning ErrInvalidSignature on failure.
	VerifySignature(body []byte, headers http.Header, secret string) error

	// Normalize maps a verified payload into zero or more canonical
	// events (a single provider webhook can describe more than one
	// entitlement-relevant fact, e.g. a Stripe subscription update that
	// sets cancel-at-period-end and changes the price at once).
	Normalize(orgID [16]byte, body []byte) ([]domain.CanonicalEvent, error)
}

// ConnectionVerifier is optionally implemented by a Normalizer that can
// validate a BillingConnection's credentials against the live provider
// API.
type ConnectionVerifier interface {
	VerifyConnection(ctx context.Context, secret string) error
}

// HistoricalSource is optionally implemented by a Normalizer that can
// page through the provider's own list API for events/purchases that
// predate the connection's webhook subscription. Each
// returned item is the same raw body shape Normalize already accepts,
// so the backfill driver feeds it through the identical Normalize call
// a live webhook delivery would use — no separate historical parsing
// path. credential is the connection's stored secret (Stripe API key,
// Google Play service-account JSON).
type HistoricalSource interface {
	ListSince(ctx context.Context, credential string, since time.Time) ([][]byte, error)
}

// replayWindow is the maximum age of an event timestamp claim accepted
// as fresh — guards against replayed webhook deliveries.
const replayWindow = 5 * time.Minute

func withinReplayWindow(eventTime time.Time) error {
	if time.Since(eventTime) > replayWindow || eventTime.After(time.Now().Add(replayWindow)) {
		return fmt.Errorf("%w: event timestamp %s outside %s replay window", ErrInvalidSignature, eventTime, replayWindow)
	}
	return nil
}

// Registry maps a Source to its Normalizer, populated once in main with
// a fixed list.
type Registry struct {
	byName map[domain.Source]Normalizer
}

// NewRegistry builds a Registry from a fixed list of normalizers.
func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{byName: make(map[domain.Source]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.byName[n.Source()] = n
	}
	return r
}

// Get returns the Normalizer registered for source, or false if none.
func (r *Registry) Get(source domain.Source) (Normalizer, bool) {
	n, ok := r.byName[source]
	return n, ok
}
