// Package issue implements the issue lifecycle: state-machine
// transitions over domain.Issue, with sentinel validation errors.
package issue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// ErrInvalidTransition is returned for a lifecycle transition that is
// not legal from the issue's current state.
var ErrInvalidTransition = errors.New("issue: invalid state transition")

// ErrNotFound is returned when the issue does not exist.
var ErrNotFound = errors.New("issue: not found")

// Service implements issue lifecycle transitions.
type Service struct {
	store    store.Querier
	onChange func(ctx context.Context, issue domain.Issue, previous domain.IssueState)
}

// NewService constructs a Service.
func NewService(s store.Querier) *Service {
	return &Service{store: s}
}

// OnChange registers a callback invoked after every successful lifecycle
// transition — the alert sink subscribes here, receiving the issue in
// its new state together with the state it left.
func (s *Service) OnChange(fn func(ctx context.Context, issue domain.Issue, previous domain.IssueState)) {
	s.onChange = fn
}

// legalTransitions enumerates allowed (from, to) pairs. Dismissing or
// resolving an already-terminal issue, or acknowledging one that is not
// open, are rejected. A closed issue is never reopened through this
// service: a fresh occurrence of the same dedup fingerprint makes
// UpsertIssue open a successor row, leaving the closed episode intact.
var legalTransitions = map[domain.IssueState]map[domain.IssueState]bool{
	domain.IssueOpen:         {domain.IssueAcknowledged: true, domain.IssueResolved: true, domain.IssueDismissed: true},
	domain.IssueAcknowledged: {domain.IssueResolved: true, domain.IssueDismissed: true},
}

// Transition moves issueID from its current state to to, validating
// against legalTransitions and recording the operator's resolution note
// on terminal transitions.
func (s *Service) Transition(ctx context.Context, issueID uuid.UUID, to domain.IssueState, resolution string) error {
	current, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("issue: load: %w", err)
	}
	allowed, ok := legalTransitions[current.State]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, to)
	}
	if err := s.store.TransitionIssueState(ctx, issueID, to, resolution); err != nil {
		return fmt.Errorf("issue: transition: %w", err)
	}
	if s.onChange != nil {
		updated := current
		updated.State = to
		updated.Resolution = resolution
		s.onChange(ctx, updated, current.State)
	}
	return nil
}

// Acknowledge moves an open issue to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, issueID uuid.UUID) error {
	return s.Transition(ctx, issueID, domain.IssueAcknowledged, "")
}

// Resolve moves an issue to resolved from either open or acknowledged.
func (s *Service) Resolve(ctx context.Context, issueID uuid.UUID, resolution string) error {
	return s.Transition(ctx, issueID, domain.IssueResolved, resolution)
}

// Dismiss moves an issue to dismissed from either open or acknowledged.
func (s *Service) Dismiss(ctx context.Context, issueID uuid.UUID, resolution string) error {
	return s.Transition(ctx, issueID, domain.IssueDismissed, resolution)
}

// List returns every open/acknowledged issue for orgID at or above
// minSeverity. Retained for the simple severity-floor call sites;
// ListFiltered exposes the full query surface.
func (s *Service) List(ctx context.Context, orgID uuid.UUID, minSeverity domain.IssueSeverity) ([]domain.Issue, error) {
	return s.ListFiltered(ctx, orgID, store.IssueFilter{MinSeverity: minSeverity})
}

// ListFiltered returns issues for orgID matching filter
// (GET /issues?status=&severity=&issueType=&limit=&offset=).
func (s *Service) ListFiltered(ctx context.Context, orgID uuid.UUID, filter store.IssueFilter) ([]domain.Issue, error) {
	issues, err := s.store.ListIssues(ctx, orgID, filter)
	if err != nil {
		return nil, fmt.Errorf("issue: list: %w", err)
	}
	return issues, nil
}
