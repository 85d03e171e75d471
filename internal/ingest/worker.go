package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// Retry policy for transiently-failed jobs: a row stuck in
// received/queued is requeued with exponential backoff
// (retryBaseDelay << attempts) until maxProcessAttempts, then marked
// failed for manual inspection.
const (
	maxProcessAttempts = 5
	retryBaseDelay     = 30 * time.Second
	retrySweepInterval = 30 * time.Second
)

// WorkerPool is a bounded set of goroutines, each owning a subset of
// (org, source) hash buckets, guaranteeing in-order processing within a
// partition while allowing cross-partition parallelism.
type WorkerPool struct {
	store     store.Querier
	pipeline  *Pipeline
	log       *zap.Logger
	queues    []chan Job
	queueSize int
}

// NewWorkerPool constructs a WorkerPool with partitionCount goroutines,
// each reading from its own bounded channel.
func NewWorkerPool(s store.Querier, pipeline *Pipeline, log *zap.Logger, partitionCount, queueSize int) *WorkerPool {
	if partitionCount < 1 {
		partitionCount = 1
	}
	queues := make([]chan Job, partitionCount)
	for i := range queues {
		queues[i] = make(chan Job, queueSize)
	}
	return &WorkerPool{store: s, pipeline: pipeline, log: log, queues: queues, queueSize: queueSize}
}

// Start launches one goroutine per partition; each drains its queue
// until ctx is cancelled.
func (w *WorkerPool) Start(ctx context.Context) {
	for i, q := range w.queues {
		go w.runPartition(ctx, i, q)
	}
}

func (w *WorkerPool) runPartition(ctx context.Context, idx int, q chan Job) {
	w.log.Info("ingest worker partition started", zap.Int("partition", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q:
			if err := w.pipeline.ProcessJob(ctx, job); err != nil {
				// Transient failure: the raw row stays received/queued
				// and the retry sweep requeues it with backoff.
				w.log.Error("process job failed, retry sweep will requeue",
					zap.String("log_id", job.LogID.String()), zap.Int("partition", idx), zap.Error(err))
			}
		}
	}
}

// StartRetrySweep launches the background sweep that requeues
// transiently-failed raw rows and fails out the ones past the attempt
// cap. Runs until ctx is cancelled.
func (w *WorkerPool) StartRetrySweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(retrySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requeued, exhausted, err := w.SweepStalled(ctx)
				if err != nil {
					w.log.Error("ingest retry sweep failed", zap.Error(err))
					continue
				}
				if requeued > 0 || exhausted > 0 {
					w.log.Info("ingest retry sweep", zap.Int("requeued", requeued), zap.Int("exhausted", exhausted))
				}
			}
		}
	}()
}

// SweepStalled walks raw rows left in received/queued, marks the ones
// past maxProcessAttempts as failed, and requeues the rest once their
// exponential backoff has elapsed. Returns how many rows were requeued
// and how many were failed out.
func (w *WorkerPool) SweepStalled(ctx context.Context) (requeued, exhausted int, err error) {
	now := time.Now().UTC()
	logs, err := w.store.ListUnprocessedRawWebhookLogs(ctx, now.Add(-retryBaseDelay))
	if err != nil {
		return 0, 0, fmt.Errorf("worker pool: list stalled rows: %w", err)
	}

	for _, l := range logs {
		if l.Attempts >= maxProcessAttempts {
			if err := w.store.UpdateRawWebhookLogStatus(ctx, l.ID, domain.WebhookFailed, "retry attempts exhausted", "", ""); err != nil {
				w.log.Error("failed to mark exhausted raw row", zap.String("log_id", l.ID.String()), zap.Error(err))
				continue
			}
			exhausted++
			continue
		}

		last := l.ReceivedAt
		if l.ProcessedAt != nil {
			last = *l.ProcessedAt
		}
		if now.Sub(last) < backoffFor(l.Attempts) {
			continue
		}

		// Bump status to queued (incrementing attempts) before the
		// handoff, so a row that keeps failing marches toward the cap
		// even if the process dies mid-flight.
		if err := w.store.UpdateRawWebhookLogStatus(ctx, l.ID, domain.WebhookQueued, l.ProcessingError, "", ""); err != nil {
			w.log.Error("failed to requeue raw row", zap.String("log_id", l.ID.String()), zap.Error(err))
			continue
		}

		var headers map[string][]string
		_ = json.Unmarshal(l.Headers, &headers)
		job := Job{
			LogID:        l.ID,
			ConnectionID: l.ConnectionID,
			OrgID:        l.OrganizationID,
			Source:       l.Source,
			Body:         l.Body,
			Headers:      headers,
		}
		partition := w.partitionFor(l.OrganizationID, l.Source)
		select {
		case w.queues[partition] <- job:
			requeued++
		default:
			// Queue still full; the row stays queued and a later sweep
			// picks it up again.
		}
	}
	return requeued, exhausted, nil
}

// backoffFor doubles the base delay per prior attempt.
func backoffFor(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

// ErrBackpressure reports that the raw row was persisted but the
// partition queue is full — the receiver turns this into a 202 retry
// signal so the provider re-delivers later.
var ErrBackpressure = fmt.Errorf("ingest: partition queue full")

// InsertAndEnqueue persists the raw webhook log row and hands the job to
// its partition's queue. Implements Enqueuer.
func (w *WorkerPool) InsertAndEnqueue(c echo.Context, job Job) error {
	ctx := c.Request().Context()
	orgID := job.OrgID
	if orgID == (uuid.UUID{}) {
		conn, err := w.store.GetBillingConnectionByID(ctx, job.ConnectionID)
		if err != nil {
			return fmt.Errorf("worker pool: load connection: %w", err)
		}
		orgID = conn.OrganizationID
		job.OrgID = orgID
	}

	headerJSON, err := json.Marshal(job.Headers)
	if err != nil {
		headerJSON = []byte("{}")
	}
	if err := w.store.InsertRawWebhookLog(ctx, domain.RawWebhookLog{
		ID:             job.LogID,
		OrganizationID: orgID,
		ConnectionID:   job.ConnectionID,
		Source:         job.Source,
		ReceivedAt:     nowUTC(),
		Headers:        headerJSON,
		Body:           job.Body,
		SignatureValid: false, // verified later by the worker, before normalization
		Status:         domain.WebhookReceived,
		HTTPStatus:     http.StatusOK,
	}); err != nil {
		return fmt.Errorf("worker pool: insert raw webhook log: %w", err)
	}

	partition := w.partitionFor(orgID, job.Source)
	select {
	case w.queues[partition] <- job:
	default:
		w.log.Warn("ingest queue full, signaling retry", zap.Int("partition", partition))
		return ErrBackpressure
	}
	return nil
}

func (w *WorkerPool) partitionFor(orgID uuid.UUID, source domain.Source) int {
	h := fnv.New32a()
	h.Write(orgID[:])
	h.Write([]byte(source))
	return int(h.Sum32()) % len(w.queues)
}
