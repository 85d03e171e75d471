// Package alert implements the alert sink: HMAC-signed HTTP delivery
// of raised issues to each organization's configured AlertConfig,
// rate-limited per config via golang.org/x/time/rate.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// signatureHeader carries the HMAC-SHA256 signature of the delivered body.
const signatureHeader = "X-Billingwatch-Signature"

// Dispatcher delivers issues to every enabled AlertConfig for an
// organization, honoring each config's minimum severity and rate limit.
type Dispatcher struct {
	store   store.Querier
	client  *http.Client
	log     *zap.Logger
	limiter *limiterSet
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(s store.Querier, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   s,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		limiter: newLimiterSet(),
	}
}

// HandleIssue receives every issue creation or state transition
// (previous is empty for a brand-new issue): it looks up the
// organization's alert configs and dispatches to each that meets its
// severity floor.
func (d *Dispatcher) HandleIssue(ctx context.Context, issue domain.Issue, previous domain.IssueState) {
	configs, err := d.store.ListAlertConfigs(ctx, issue.OrganizationID)
	if err != nil {
		d.log.Error("alert: list configs failed", zap.Error(err))
		return
	}
	for _, cfg := range configs {
		if !meetsSeverity(issue.Severity, cfg.MinSeverity) {
			continue
		}
		d.dispatchOne(ctx, cfg, issue, previous)
	}
}

func meetsSeverity(severity, floor domain.IssueSeverity) bool {
	rank := map[domain.IssueSeverity]int{domain.SeverityInfo: 0, domain.SeverityWarning: 1, domain.SeverityCritical: 2}
	return rank[severity] >= rank[floor]
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cfg domain.AlertConfig, issue domain.Issue, previous domain.IssueState) {
	limit := cfg.RateLimitPer5Min
	if !d.limiter.Allow(cfg.ID, limit) {
		d.recordDelivery(ctx, cfg.ID, issue.ID, domain.DeliveryRateLimited, "rate limit exceeded")
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"issue": map[string]interface{}{
			"id":                      issue.ID,
			"detector":                issue.Detector,
			"severity":                issue.Severity,
			"state":                   issue.State,
			"tier":                    issue.Tier,
			"title":                   issue.Title,
			"details":                 issue.Details,
			"user_id":                 issue.UserID,
			"estimated_revenue_cents": issue.EstimatedRevenueCents,
			"confidence":              issue.Confidence,
			"first_seen":              issue.FirstSeenAt,
			"last_seen":               issue.LastSeenAt,
		},
		"previous_status": previous,
	})
	if err != nil {
		d.recordDelivery(ctx, cfg.ID, issue.ID, domain.DeliveryFailed, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	if err := d.deliver(ctx, cfg.URL, cfg.Secret, payload); err != nil {
		d.recordDelivery(ctx, cfg.ID, issue.ID, domain.DeliveryFailed, err.Error())
		return
	}
	d.recordDelivery(ctx, cfg.ID, issue.ID, domain.DeliverySuccess, "")
}

func (d *Dispatcher) deliver(ctx context.Context, url, secret string, payload []byte) error {
	sig := computeHMAC(payload, secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver: sink returned status %d", resp.StatusCode)
	}
	return nil
}

func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) recordDelivery(ctx context.Context, alertConfigID, issueID uuid.UUID, status domain.DeliveryStatus, errMsg string) {
	if err := d.store.InsertAlertDelivery(ctx, domain.AlertDelivery{
		ID: uuid.New(), AlertConfigID: alertConfigID, IssueID: issueID,
		Status: status, ErrorMessage: errMsg, AttemptedAt: time.Now().UTC(),
	}); err != nil {
		d.log.Error("alert: failed to record delivery", zap.Error(err))
	}
}

// limiterSet lazily creates one token-bucket limiter per AlertConfig,
// refilling to limit tokens every 5 minutes.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[uuid.UUID]*rate.Limiter)}
}

func (s *limiterSet) Allow(configID uuid.UUID, limit int) bool {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	l, ok := s.limiters[configID]
	if !ok {
		// limit tokens per 5 minutes, burst of limit.
		l = rate.NewLimiter(rate.Every(5*time.Minute/time.Duration(limit)), limit)
		s.limiters[configID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
