// Package detect implements the Detection Engine: a
// small catalogue of detectors, split between ones that run
// synchronously right after entitlement projection (unrevoked_refund)
// and ones that run on a schedule over a window of history
// (webhook_delivery_gap, data_freshness, renewal_anomaly,
// duplicate_billing, paid_but_no_access).
//
// The scheduled half runs on a robfig/cron ticker; every run is
// recorded on the DetectorRun ledger, and a failure inside one
// detector never aborts the others.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/config"
	"github.com/arc-self/billingwatch/internal/store"
)

// Detector is one entry in the detector catalogue. Every detector
// declares its identity and classification up front; the engine uses
// Tier and DefaultSeverity to fill issue fields a Finding leaves unset.
type Detector interface {
	Kind() domain.DetectorKind
	Category() domain.DetectorCategory
	Scope() domain.DetectorScope
	Tier() domain.DetectionTier
	DefaultSeverity() domain.IssueSeverity
}

// SyncDetector runs synchronously, in-process, immediately after a
// single canonical event is projected.
type SyncDetector interface {
	Detector
	RunOnEvent(ctx context.Context, s store.Querier, event domain.CanonicalEvent) (*Finding, error)
}

// ScheduledDetector scans a window of history for an (org, source) pair
// on a fixed interval.
type ScheduledDetector interface {
	Detector
	RunScan(ctx context.Context, s store.Querier, conn domain.BillingConnection, settings *config.Settings) ([]Finding, error)
}

// Finding is a candidate issue a detector has raised, prior to dedup
// upsert. Severity may be left zero to take the detector's default;
// UserID, EstimatedRevenueCents, and Confidence are optional.
type Finding struct {
	DedupKey              string
	Severity              domain.IssueSeverity
	Title                 string
	Details               map[string]interface{}
	UserID                *uuid.UUID
	EstimatedRevenueCents *int64
	Confidence            *float64
}

// Engine runs both detector families.
type Engine struct {
	store     store.Querier
	settings  *config.Settings
	log       *zap.Logger
	syncDets  []SyncDetector
	scheduled []ScheduledDetector
	cron      *cron.Cron
	onIssue   func(ctx context.Context, issue domain.Issue, previous domain.IssueState)
}

// NewEngine constructs an Engine from a fixed detector list assembled
// at startup.
func NewEngine(s store.Querier, settings *config.Settings, log *zap.Logger, syncDets []SyncDetector, scheduled []ScheduledDetector) *Engine {
	return &Engine{
		store:     s,
		settings:  settings,
		log:       log,
		syncDets:  syncDets,
		scheduled: scheduled,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// OnIssue registers a callback invoked whenever a detector raises (or
// bumps) an issue — the alert sink subscribes here. previous is empty
// for a newly created issue, "open" when an existing one was refreshed.
func (e *Engine) OnIssue(fn func(ctx context.Context, issue domain.Issue, previous domain.IssueState)) {
	e.onIssue = fn
}

// RunSynchronous implements ingest.DetectionEngine: runs every
// SyncDetector against event, isolating each detector's error so one
// buggy detector cannot block ingestion of the next event.
func (e *Engine) RunSynchronous(ctx context.Context, event domain.CanonicalEvent) error {
	for _, d := range e.syncDets {
		finding, err := d.RunOnEvent(ctx, e.store, event)
		if err != nil {
			e.log.Error("sync detector error", zap.String("detector", string(d.Kind())), zap.Error(err))
			continue
		}
		if finding == nil {
			continue
		}
		if _, err := e.raise(ctx, event.OrganizationID, d, *finding); err != nil {
			e.log.Error("failed to raise issue", zap.String("detector", string(d.Kind())), zap.Error(err))
		}
	}
	return nil
}

// StartScheduled registers a cron job that, on settings.DetectorScanInterval,
// runs every ScheduledDetector against every active billing connection.
func (e *Engine) StartScheduled(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", e.settings.DetectorScanInterval)
	_, err := e.cron.AddFunc(spec, func() { e.runScheduledScan(ctx) })
	if err != nil {
		return fmt.Errorf("detect: schedule scan: %w", err)
	}
	e.cron.Start()
	return nil
}

// StopScheduled stops the cron scheduler, waiting for in-flight runs.
func (e *Engine) StopScheduled(ctx context.Context) {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// RunScheduledScanNow runs one full scheduled-scan pass immediately,
// outside the cron cadence — used by operational tooling and tests.
func (e *Engine) RunScheduledScanNow(ctx context.Context) { e.runScheduledScan(ctx) }

func (e *Engine) runScheduledScan(ctx context.Context) {
	conns, err := e.store.ListActiveBillingConnections(ctx)
	if err != nil {
		e.log.Error("detect: list active connections failed", zap.Error(err))
		return
	}
	for _, conn := range conns {
		for _, d := range e.scheduled {
			e.runOneScheduledDetector(ctx, conn, d)
		}
	}
}

func (e *Engine) runOneScheduledDetector(ctx context.Context, conn domain.BillingConnection, d ScheduledDetector) {
	runID := uuid.New()
	started := time.Now().UTC()
	if err := e.store.InsertDetectorRun(ctx, domain.DetectorRun{
		ID: runID, OrganizationID: conn.OrganizationID, Detector: d.Kind(), StartedAt: started,
	}); err != nil {
		e.log.Error("detect: record run start failed", zap.Error(err))
		return
	}

	findings, runErr := d.RunScan(ctx, e.store, conn, e.settings)
	created, updated := 0, 0
	for _, f := range findings {
		wasNew, err := e.raise(ctx, conn.OrganizationID, d, f)
		if err != nil {
			e.log.Error("detect: raise issue failed", zap.String("detector", string(d.Kind())), zap.Error(err))
			continue
		}
		if wasNew {
			created++
		} else {
			updated++
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		e.log.Error("detect: scheduled detector failed", zap.String("detector", string(d.Kind())),
			zap.String("organization_id", conn.OrganizationID.String()), zap.Error(runErr))
	}
	if err := e.store.FinishDetectorRun(ctx, runID, created, updated, errMsg); err != nil {
		e.log.Error("detect: record run finish failed", zap.Error(err))
	}
}

func (e *Engine) raise(ctx context.Context, orgID uuid.UUID, d Detector, f Finding) (created bool, err error) {
	details, err := json.Marshal(f.Details)
	if err != nil {
		details = []byte("{}")
	}
	severity := f.Severity
	if severity == "" {
		severity = d.DefaultSeverity()
	}
	now := time.Now().UTC()
	issue := domain.Issue{
		ID: uuid.New(), OrganizationID: orgID, Detector: d.Kind(), DedupKey: f.DedupKey,
		Severity: severity, State: domain.IssueOpen, Tier: d.Tier(), Title: f.Title, Details: details,
		UserID: f.UserID, EstimatedRevenueCents: f.EstimatedRevenueCents, Confidence: f.Confidence,
		FirstSeenAt: now, LastSeenAt: now,
	}
	created, err = e.store.UpsertIssue(ctx, issue)
	if err != nil {
		return false, fmt.Errorf("upsert issue: %w", err)
	}
	if e.onIssue != nil {
		previous := domain.IssueState("")
		if !created {
			previous = domain.IssueOpen
		}
		e.onIssue(ctx, issue, previous)
	}
	return created, nil
}
