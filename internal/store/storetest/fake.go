// Package storetest provides a hand-authored in-memory fake of
// store.Querier for unit tests — an in-memory store rather than a
// per-call mock, since most tests here exercise multi-call sequences
// (load, mutate, reload) rather than single expectation/return pairs.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// Store is an in-memory store.Querier implementation.
type Store struct {
	mu sync.Mutex

	Organizations   map[uuid.UUID]domain.Organization
	Connections     map[uuid.UUID]domain.BillingConnection
	RawWebhookLogs  map[uuid.UUID]domain.RawWebhookLog
	CanonicalEvents []domain.CanonicalEvent
	Users           map[uuid.UUID]domain.User
	UserIdentities  []domain.UserIdentity
	Entitlements    map[uuid.UUID]domain.Entitlement
	AccessChecks    map[uuid.UUID]domain.AccessCheck
	Issues          map[uuid.UUID]domain.Issue
	DetectorRuns    map[uuid.UUID]domain.DetectorRun
	AlertConfigs    map[uuid.UUID][]domain.AlertConfig
	AlertDeliveries []domain.AlertDelivery
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		Organizations:  map[uuid.UUID]domain.Organization{},
		Connections:    map[uuid.UUID]domain.BillingConnection{},
		RawWebhookLogs: map[uuid.UUID]domain.RawWebhookLog{},
		Users:          map[uuid.UUID]domain.User{},
		Entitlements:   map[uuid.UUID]domain.Entitlement{},
		AccessChecks:   map[uuid.UUID]domain.AccessCheck{},
		Issues:         map[uuid.UUID]domain.Issue{},
		DetectorRuns:   map[uuid.UUID]domain.DetectorRun{},
		AlertConfigs:   map[uuid.UUID][]domain.AlertConfig{},
	}
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Organizations {
		if o.Slug == slug {
			return o, nil
		}
	}
	return domain.Organization{}, store.ErrNotFound
}

func (s *Store) GetBillingConnection(ctx context.Context, orgID uuid.UUID, source domain.Source) (domain.BillingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Connections {
		if c.OrganizationID == orgID && c.Source == source {
			return c, nil
		}
	}
	return domain.BillingConnection{}, store.ErrNotFound
}

func (s *Store) GetBillingConnectionByID(ctx context.Context, id uuid.UUID) (domain.BillingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Connections[id]
	if !ok {
		return domain.BillingConnection{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastWebhookAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Connections[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	c.Status = status
	c.LastWebhookAt = lastWebhookAt
	s.Connections[id] = c
	return nil
}

func (s *Store) ListActiveBillingConnections(ctx context.Context) ([]domain.BillingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BillingConnection
	for _, c := range s.Connections {
		if c.Status == domain.ConnectionActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) InsertRawWebhookLog(ctx context.Context, log domain.RawWebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RawWebhookLogs[log.ID] = log
	return nil
}

func (s *Store) UpdateRawWebhookLogStatus(ctx context.Context, id uuid.UUID, status domain.WebhookStatus, processingErr, externalEventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.RawWebhookLogs[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	l.Status = status
	l.ProcessingError = processingErr
	if externalEventID != "" {
		l.ExternalEventID = externalEventID
	}
	if eventType != "" {
		l.EventType = eventType
	}
	now := time.Now().UTC()
	l.ProcessedAt = &now
	l.Attempts++
	s.RawWebhookLogs[id] = l
	return nil
}

func (s *Store) ListUnprocessedRawWebhookLogs(ctx context.Context, before time.Time) ([]domain.RawWebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RawWebhookLog
	for _, l := range s.RawWebhookLogs {
		if l.Status != domain.WebhookReceived && l.Status != domain.WebhookQueued {
			continue
		}
		last := l.ReceivedAt
		if l.ProcessedAt != nil {
			last = *l.ProcessedAt
		}
		if last.After(before) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.Before(out[b].ReceivedAt) })
	return out, nil
}

func (s *Store) UpsertCanonicalEvent(ctx context.Context, event domain.CanonicalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.CanonicalEvents {
		if e.OrganizationID == event.OrganizationID && e.Source == event.Source && e.IdempotencyKey == event.IdempotencyKey {
			return false, nil
		}
	}
	s.CanonicalEvents = append(s.CanonicalEvents, event)
	return true, nil
}

func (s *Store) SetCanonicalEventUser(ctx context.Context, eventID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.CanonicalEvents {
		if e.ID == eventID {
			s.CanonicalEvents[i].UserID = &userID
			return nil
		}
	}
	return fmt.Errorf("not found")
}

func (s *Store) ListCanonicalEventsSince(ctx context.Context, orgID uuid.UUID, source domain.Source, since time.Time) ([]domain.CanonicalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CanonicalEvent
	for _, e := range s.CanonicalEvents {
		if e.OrganizationID == orgID && e.Source == source && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListCanonicalEventsForUser(ctx context.Context, orgID, userID uuid.UUID, productFamily string) ([]domain.CanonicalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CanonicalEvent
	for _, e := range s.CanonicalEvents {
		if e.OrganizationID == orgID && e.UserID != nil && *e.UserID == userID && e.ProductFamily == productFamily {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListOrgCanonicalEvents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]domain.CanonicalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CanonicalEvent
	for _, e := range s.CanonicalEvents {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OccurredAt.After(out[b].OccurredAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindUserIdentity(ctx context.Context, orgID uuid.UUID, kind domain.UserIdentityKind, value string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.UserIdentities {
		if id.OrganizationID == orgID && id.Kind == kind && id.Value == value {
			return id.UserID, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (s *Store) CreateUser(ctx context.Context, orgID uuid.UUID, primaryEmail string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := domain.User{ID: uuid.New(), OrganizationID: orgID, PrimaryEmail: primaryEmail, CreatedAt: time.Now().UTC()}
	s.Users[u.ID] = u
	return u, nil
}

func (s *Store) CreateUserIdentity(ctx context.Context, identity domain.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.UserIdentities {
		if existing.OrganizationID == identity.OrganizationID && existing.Kind == identity.Kind && existing.Value == identity.Value {
			s.UserIdentities[i].UserID = identity.UserID
			return nil
		}
	}
	s.UserIdentities = append(s.UserIdentities, identity)
	return nil
}

func (s *Store) MergeUsers(ctx context.Context, survivorID, victimID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.UserIdentities {
		if id.UserID == victimID {
			s.UserIdentities[i].UserID = survivorID
		}
	}
	for i, e := range s.CanonicalEvents {
		if e.UserID != nil && *e.UserID == victimID {
			uid := survivorID
			s.CanonicalEvents[i].UserID = &uid
		}
	}
	for id, e := range s.Entitlements {
		if e.UserID == victimID {
			e.UserID = survivorID
			s.Entitlements[id] = e
		}
	}
	for id, iss := range s.Issues {
		if iss.UserID != nil && *iss.UserID == victimID {
			uid := survivorID
			iss.UserID = &uid
			s.Issues[id] = iss
		}
	}
	for id, ac := range s.AccessChecks {
		if ac.UserID != nil && *ac.UserID == victimID {
			uid := survivorID
			ac.UserID = &uid
			s.AccessChecks[id] = ac
		}
	}
	delete(s.Users, victimID)
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUserIdentities(ctx context.Context, userID uuid.UUID) ([]domain.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserIdentity
	for _, id := range s.UserIdentities {
		if id.UserID == userID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) GetEntitlement(ctx context.Context, orgID, userID uuid.UUID, source domain.Source, productKey string) (domain.Entitlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.Entitlements {
		if e.OrganizationID == orgID && e.UserID == userID && e.Source == source && e.ProductID == productKey {
			return e, true, nil
		}
	}
	return domain.Entitlement{}, false, nil
}

func (s *Store) UpsertEntitlement(ctx context.Context, e domain.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.Entitlements[e.ID] = e
	return nil
}

func (s *Store) ListEntitlementsInGrace(ctx context.Context, overdueBefore, graceBefore time.Time) ([]domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entitlement
	for _, e := range s.Entitlements {
		switch e.State {
		case domain.EntitlementActive, domain.EntitlementTrial, domain.EntitlementBillingRetry:
			if e.CurrentPeriodEnd != nil && !e.CurrentPeriodEnd.After(overdueBefore) {
				out = append(out, e)
			}
		case domain.EntitlementGracePeriod:
			if e.GraceUntil != nil && !e.GraceUntil.After(graceBefore) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *Store) ListAccessGrantingEntitlements(ctx context.Context, orgID uuid.UUID) ([]domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entitlement
	for _, e := range s.Entitlements {
		if e.OrganizationID == orgID && e.State.IsAccessGranting() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListEntitlementsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entitlement
	for _, e := range s.Entitlements {
		if e.OrganizationID == orgID && e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CountEntitlementsByState(ctx context.Context, orgID uuid.UUID) (map[domain.EntitlementState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.EntitlementState]int{}
	for _, e := range s.Entitlements {
		if e.OrganizationID == orgID {
			out[e.State]++
		}
	}
	return out, nil
}

func (s *Store) RecordAccessCheck(ctx context.Context, ac domain.AccessCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccessChecks[ac.ID] = ac
	return nil
}

func (s *Store) RecordAccessCheckBatch(ctx context.Context, acs []domain.AccessCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ac := range acs {
		s.AccessChecks[ac.ID] = ac
	}
	return nil
}

func (s *Store) ListUnresolvedAccessChecks(ctx context.Context, orgID uuid.UUID, externalUserRef string) ([]domain.AccessCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AccessCheck
	for _, ac := range s.AccessChecks {
		if ac.OrganizationID == orgID && ac.ExternalUserRef == externalUserRef && ac.UserID == nil {
			out = append(out, ac)
		}
	}
	return out, nil
}

func (s *Store) ResolveAccessCheck(ctx context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.AccessChecks[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	ac.UserID = &userID
	s.AccessChecks[id] = ac
	return nil
}

func (s *Store) ListRecentAccessChecks(ctx context.Context, orgID uuid.UUID, since time.Time) ([]domain.AccessCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AccessCheck
	for _, ac := range s.AccessChecks {
		if ac.OrganizationID == orgID && !ac.ObservedAt.Before(since) {
			out = append(out, ac)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ObservedAt.Before(out[b].ObservedAt) })
	return out, nil
}

func (s *Store) UpsertIssue(ctx context.Context, issue domain.Issue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.Issues {
		if existing.OrganizationID != issue.OrganizationID || existing.Detector != issue.Detector || existing.DedupKey != issue.DedupKey {
			continue
		}
		if existing.State != domain.IssueOpen && existing.State != domain.IssueAcknowledged {
			// Closed episode: never mutated; a fresh occurrence falls
			// through to insert a successor row.
			continue
		}
		existing.LastSeenAt = issue.LastSeenAt
		existing.OccurrenceCount++
		existing.Details = issue.Details
		existing.EstimatedRevenueCents = issue.EstimatedRevenueCents
		existing.Confidence = issue.Confidence
		s.Issues[id] = existing
		return false, nil
	}
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	issue.OccurrenceCount = 1
	s.Issues[issue.ID] = issue
	return true, nil
}

func (s *Store) GetIssue(ctx context.Context, id uuid.UUID) (domain.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.Issues[id]
	if !ok {
		return domain.Issue{}, store.ErrNotFound
	}
	return i, nil
}

func (s *Store) GetIssueByDedupKey(ctx context.Context, orgID uuid.UUID, detector domain.DetectorKind, dedupKey string) (domain.Issue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.Issues {
		if i.OrganizationID == orgID && i.Detector == detector && i.DedupKey == dedupKey &&
			(i.State == domain.IssueOpen || i.State == domain.IssueAcknowledged) {
			return i, true, nil
		}
	}
	return domain.Issue{}, false, nil
}

func (s *Store) TransitionIssueState(ctx context.Context, id uuid.UUID, state domain.IssueState, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.Issues[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	i.State = state
	i.Resolution = resolution
	if state == domain.IssueResolved || state == domain.IssueDismissed {
		now := time.Now().UTC()
		i.ResolvedAt = &now
	}
	s.Issues[id] = i
	return nil
}

func (s *Store) ListIssues(ctx context.Context, orgID uuid.UUID, filter store.IssueFilter) ([]domain.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := map[domain.IssueSeverity]int{domain.SeverityInfo: 0, domain.SeverityWarning: 1, domain.SeverityCritical: 2}
	var out []domain.Issue
	for _, i := range s.Issues {
		if i.OrganizationID != orgID {
			continue
		}
		if filter.Status != "" {
			if i.State != filter.Status {
				continue
			}
		} else if i.State != domain.IssueOpen && i.State != domain.IssueAcknowledged {
			continue
		}
		if filter.Detector != "" && i.Detector != filter.Detector {
			continue
		}
		if filter.MinSeverity != "" && rank[i.Severity] < rank[filter.MinSeverity] {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LastSeenAt.After(out[b].LastSeenAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertDetectorRun(ctx context.Context, run domain.DetectorRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DetectorRuns[run.ID] = run
	return nil
}

func (s *Store) FinishDetectorRun(ctx context.Context, id uuid.UUID, issuesCreated, issuesUpdated int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.DetectorRuns[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.IssuesCreated = issuesCreated
	run.IssuesUpdated = issuesUpdated
	run.Error = errMsg
	s.DetectorRuns[id] = run
	return nil
}

func (s *Store) ListAlertConfigs(ctx context.Context, orgID uuid.UUID) ([]domain.AlertConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AlertConfigs[orgID], nil
}

func (s *Store) InsertAlertDelivery(ctx context.Context, d domain.AlertDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlertDeliveries = append(s.AlertDeliveries, d)
	return nil
}

func (s *Store) CountRecentDeliveries(ctx context.Context, alertConfigID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.AlertDeliveries {
		if d.AlertConfigID == alertConfigID && !d.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
