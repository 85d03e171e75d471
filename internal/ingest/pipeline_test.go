package ingest_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/ingest"
	"github.com/arc-self/billingwatch/internal/normalizer"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

// stubNormalizer is a controllable normalizer.Normalizer double.
type stubNormalizer struct {
	source  domain.Source
	sigErr  error
	events  []domain.CanonicalEvent
	normErr error
}

func (n *stubNormalizer) Source() domain.Source                             { return n.source }
func (n *stubNormalizer) VerifySignature([]byte, http.Header, string) error { return n.sigErr }
func (n *stubNormalizer) Normalize([16]byte, []byte) ([]domain.CanonicalEvent, error) {
	return n.events, n.normErr
}

type stubIdentity struct{ userID uuid.UUID }

func (s *stubIdentity) Resolve(ctx context.Context, orgID uuid.UUID, source domain.Source, externalUserID string, hints []string) (uuid.UUID, error) {
	return s.userID, nil
}

type stubProjector struct{ applied []domain.CanonicalEvent }

func (s *stubProjector) Apply(ctx context.Context, event domain.CanonicalEvent) error {
	s.applied = append(s.applied, event)
	return nil
}

type stubDetector struct{ ran []domain.CanonicalEvent }

func (s *stubDetector) RunSynchronous(ctx context.Context, event domain.CanonicalEvent) error {
	s.ran = append(s.ran, event)
	return nil
}

type stubPublisher struct{ published []domain.CanonicalEvent }

func (s *stubPublisher) PublishCanonicalEvent(ctx context.Context, event domain.CanonicalEvent) error {
	s.published = append(s.published, event)
	return nil
}

func newTestPipeline(t *testing.T, n normalizer.Normalizer) (*ingest.Pipeline, *storetest.Store, *stubIdentity, *stubProjector, *stubDetector, *stubPublisher) {
	t.Helper()
	s := storetest.New()
	reg := normalizer.NewRegistry(n)
	id := &stubIdentity{userID: uuid.New()}
	proj := &stubProjector{}
	det := &stubDetector{}
	pub := &stubPublisher{}
	p := ingest.NewPipeline(s, reg, id, proj, det, pub, zap.NewNop())
	return p, s, id, proj, det, pub
}

func seedConnection(t *testing.T, s *storetest.Store, source domain.Source) domain.BillingConnection {
	t.Helper()
	conn := domain.BillingConnection{
		ID: uuid.New(), OrganizationID: uuid.New(), Source: source,
		WebhookSecret: "shh", Status: domain.ConnectionActive, CreatedAt: time.Now().UTC(),
	}
	s.Connections[conn.ID] = conn
	return conn
}

func seedLog(t *testing.T, s *storetest.Store, conn domain.BillingConnection) domain.RawWebhookLog {
	t.Helper()
	log := domain.RawWebhookLog{ID: uuid.New(), OrganizationID: conn.OrganizationID, ConnectionID: conn.ID, Source: conn.Source, Status: domain.WebhookQueued}
	s.RawWebhookLogs[log.ID] = log
	return log
}

func TestPipeline_ProcessJob_SignatureFailureMarksSkipped(t *testing.T) {
	n := &stubNormalizer{source: domain.SourceStripe, sigErr: normalizer.ErrInvalidSignature}
	p, s, _, _, _, _ := newTestPipeline(t, n)
	conn := seedConnection(t, s, domain.SourceStripe)
	log := seedLog(t, s, conn)

	err := p.ProcessJob(context.Background(), ingest.Job{LogID: log.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookSkipped, s.RawWebhookLogs[log.ID].Status)
}

func TestPipeline_ProcessJob_ParseErrorMarksFailed(t *testing.T) {
	n := &stubNormalizer{source: domain.SourceStripe, normErr: errors.New("malformed json")}
	p, s, _, _, _, _ := newTestPipeline(t, n)
	conn := seedConnection(t, s, domain.SourceStripe)
	log := seedLog(t, s, conn)

	err := p.ProcessJob(context.Background(), ingest.Job{LogID: log.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, s.RawWebhookLogs[log.ID].Status)
}

func TestPipeline_ProcessJob_UnrecognizedEventMarksProcessedWithZeroEvents(t *testing.T) {
	n := &stubNormalizer{source: domain.SourceStripe, normErr: normalizer.ErrUnrecognizedEvent}
	p, s, _, proj, _, _ := newTestPipeline(t, n)
	conn := seedConnection(t, s, domain.SourceStripe)
	log := seedLog(t, s, conn)

	err := p.ProcessJob(context.Background(), ingest.Job{LogID: log.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, s.RawWebhookLogs[log.ID].Status)
	assert.Empty(t, proj.applied)
	assert.Empty(t, s.CanonicalEvents)
}

func TestPipeline_ProcessJob_SuccessfulEventFansOutToAllStages(t *testing.T) {
	event := domain.CanonicalEvent{
		ID: uuid.New(), Source: domain.SourceStripe, IdempotencyKey: "stripe:evt_1",
		EventType: domain.EventPurchase, SourceEventType: "checkout.session.completed", OccurredAt: time.Now(),
	}
	n := &stubNormalizer{source: domain.SourceStripe, events: []domain.CanonicalEvent{event}}
	p, s, id, proj, det, pub := newTestPipeline(t, n)
	conn := seedConnection(t, s, domain.SourceStripe)
	log := seedLog(t, s, conn)

	err := p.ProcessJob(context.Background(), ingest.Job{LogID: log.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")})
	require.NoError(t, err)

	assert.Equal(t, domain.WebhookProcessed, s.RawWebhookLogs[log.ID].Status)
	assert.Equal(t, "evt_1", s.RawWebhookLogs[log.ID].ExternalEventID)
	assert.Equal(t, "checkout.session.completed", s.RawWebhookLogs[log.ID].EventType)
	require.Len(t, s.CanonicalEvents, 1)
	assert.Equal(t, id.userID, *s.CanonicalEvents[0].UserID)
	require.Len(t, proj.applied, 1)
	require.Len(t, det.ran, 1)
	require.Len(t, pub.published, 1)
	assert.Equal(t, domain.ConnectionActive, s.Connections[conn.ID].Status)
	assert.NotNil(t, s.Connections[conn.ID].LastWebhookAt)
}

// Idempotency: re-processing the same event (same org,
// source, idempotency key) produces zero additional canonical events and
// does not re-run identity/entitlement/detection.
func TestPipeline_ProcessJob_DuplicateIdempotencyKeyIsNoop(t *testing.T) {
	event := domain.CanonicalEvent{ID: uuid.New(), Source: domain.SourceStripe, IdempotencyKey: "stripe:evt_1", EventType: domain.EventPurchase, OccurredAt: time.Now()}
	n := &stubNormalizer{source: domain.SourceStripe, events: []domain.CanonicalEvent{event}}
	p, s, _, proj, det, pub := newTestPipeline(t, n)
	conn := seedConnection(t, s, domain.SourceStripe)
	event.OrganizationID = conn.OrganizationID

	log1 := seedLog(t, s, conn)
	require.NoError(t, p.ProcessJob(context.Background(), ingest.Job{LogID: log1.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")}))

	log2 := seedLog(t, s, conn)
	require.NoError(t, p.ProcessJob(context.Background(), ingest.Job{LogID: log2.ID, ConnectionID: conn.ID, Source: conn.Source, Body: []byte("x")}))

	assert.Len(t, s.CanonicalEvents, 1)
	assert.Len(t, proj.applied, 1)
	assert.Len(t, det.ran, 1)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, domain.WebhookProcessed, s.RawWebhookLogs[log2.ID].Status, "the second delivery still acks even though it was a no-op")
}

func TestPipeline_ProjectHistoricalEvent_SkipsRawLogBookkeeping(t *testing.T) {
	n := &stubNormalizer{source: domain.SourceStripe}
	p, s, _, proj, det, _ := newTestPipeline(t, n)
	event := domain.CanonicalEvent{ID: uuid.New(), IdempotencyKey: "stripe:evt_historical", OrganizationID: uuid.New(), EventType: domain.EventRenewal, OccurredAt: time.Now()}

	require.NoError(t, p.ProjectHistoricalEvent(context.Background(), event))

	assert.Len(t, s.CanonicalEvents, 1)
	assert.Len(t, proj.applied, 1)
	assert.Len(t, det.ran, 1)
	assert.Empty(t, s.RawWebhookLogs)
}
