// Package identity implements the Identity Resolver:
// maps a CanonicalEvent's provider-native identity hints onto a single
// domain.User per organization, merging records when two previously
// distinct identities turn out to be the same person.
//
// Resolution is best-effort and idempotent: ambiguous or missing data
// is logged and handled gracefully rather than failing the whole
// pipeline.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// Resolver implements ingest.IdentityResolver over a store.Querier.
type Resolver struct {
	store store.Querier
	log   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(s store.Querier, log *zap.Logger) *Resolver {
	return &Resolver{store: s, log: log}
}

// Resolve finds or creates the domain.User for externalUserID/hints
// within org, merging every matched user into one survivor
// (oldest-survivor rule: the user record with the earliest CreatedAt
// absorbs the newer ones).
func (r *Resolver) Resolve(ctx context.Context, orgID uuid.UUID, source domain.Source, externalUserID string, hints []string) (uuid.UUID, error) {
	candidates := make(map[uuid.UUID]struct{})

	if externalUserID != "" {
		if uid, found, err := r.store.FindUserIdentity(ctx, orgID, domain.IdentityProviderID, providerIDKey(source, externalUserID)); err != nil {
			return uuid.UUID{}, fmt.Errorf("identity: lookup provider id: %w", err)
		} else if found {
			candidates[uid] = struct{}{}
		}
	}
	for _, hint := range hints {
		email := normalizeEmail(hint)
		if email == "" {
			continue
		}
		if uid, found, err := r.store.FindUserIdentity(ctx, orgID, domain.IdentityEmail, email); err != nil {
			return uuid.UUID{}, fmt.Errorf("identity: lookup email: %w", err)
		} else if found {
			candidates[uid] = struct{}{}
		}
	}

	survivor, err := r.resolveSurvivor(ctx, candidates)
	if err != nil {
		return uuid.UUID{}, err
	}

	if survivor == (uuid.UUID{}) {
		// No existing identity matched — create a new user.
		primaryEmail := ""
		for _, hint := range hints {
			if e := normalizeEmail(hint); e != "" {
				primaryEmail = e
				break
			}
		}
		u, err := r.store.CreateUser(ctx, orgID, primaryEmail)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("identity: create user: %w", err)
		}
		survivor = u.ID
	}

	if err := r.recordIdentities(ctx, survivor, orgID, source, externalUserID, hints); err != nil {
		return uuid.UUID{}, err
	}
	return survivor, nil
}

// resolveSurvivor picks the oldest user among candidates (by CreatedAt)
// and merges every other candidate into it. A single candidate is
// returned unchanged; zero candidates returns the zero UUID.
func (r *Resolver) resolveSurvivor(ctx context.Context, candidates map[uuid.UUID]struct{}) (uuid.UUID, error) {
	if len(candidates) == 0 {
		return uuid.UUID{}, nil
	}
	if len(candidates) == 1 {
		for id := range candidates {
			return id, nil
		}
	}

	var survivor domain.User
	first := true
	for id := range candidates {
		u, err := r.store.GetUser(ctx, id)
		if err != nil {
			r.log.Warn("identity: candidate user missing during merge, skipping", zap.String("user_id", id.String()), zap.Error(err))
			continue
		}
		if first || u.CreatedAt.Before(survivor.CreatedAt) {
			survivor = u
			first = false
		}
	}
	if first {
		return uuid.UUID{}, nil
	}

	for id := range candidates {
		if id == survivor.ID {
			continue
		}
		if err := r.store.MergeUsers(ctx, survivor.ID, id); err != nil {
			return uuid.UUID{}, fmt.Errorf("identity: merge users %s -> %s: %w", id, survivor.ID, err)
		}
		r.log.Info("identity: merged duplicate user", zap.String("survivor", survivor.ID.String()), zap.String("merged", id.String()))
	}
	return survivor.ID, nil
}

func (r *Resolver) recordIdentities(ctx context.Context, userID, orgID uuid.UUID, source domain.Source, externalUserID string, hints []string) error {
	if externalUserID != "" {
		if err := r.store.CreateUserIdentity(ctx, domain.UserIdentity{
			ID: uuid.New(), UserID: userID, OrganizationID: orgID, Source: source,
			Kind: domain.IdentityProviderID, Value: providerIDKey(source, externalUserID),
		}); err != nil {
			return fmt.Errorf("identity: record provider id: %w", err)
		}
	}
	for _, hint := range hints {
		email := normalizeEmail(hint)
		if email == "" {
			continue
		}
		if err := r.store.CreateUserIdentity(ctx, domain.UserIdentity{
			ID: uuid.New(), UserID: userID, OrganizationID: orgID, Source: source,
			Kind: domain.IdentityEmail, Value: email,
		}); err != nil {
			return fmt.Errorf("identity: record email: %w", err)
		}
	}
	return nil
}

// providerIDKey namespaces a provider-native ID by source so the same
// raw ID from two different providers never collides.
func providerIDKey(source domain.Source, externalUserID string) string {
	return string(source) + ":" + externalUserID
}

// normalizeEmail lowercases and trims a hint, returning "" if it does
// not look like an email address.
func normalizeEmail(hint string) string {
	h := strings.TrimSpace(strings.ToLower(hint))
	if !strings.Contains(h, "@") {
		return ""
	}
	return h
}
