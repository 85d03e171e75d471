package identity_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/identity"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func TestResolver_Resolve_CreatesNewUserWhenNoHintsMatch(t *testing.T) {
	s := storetest.New()
	r := identity.NewResolver(s, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	userID, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", []string{"x@y.com"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, userID)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "x@y.com", u.PrimaryEmail)
}

func TestResolver_Resolve_SameProviderIDReturnsSameUser(t *testing.T) {
	s := storetest.New()
	r := identity.NewResolver(s, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	first, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", nil)
	require.NoError(t, err)

	second, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// Identity uniqueness: for every (org, source, external_id)
// exactly one identity row exists, even across multiple resolutions.
func TestResolver_Resolve_UniqueIdentityRowPerExternalID(t *testing.T) {
	s := storetest.New()
	r := identity.NewResolver(s, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	_, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", []string{"x@y.com"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", []string{"x@y.com"})
	require.NoError(t, err)

	count := 0
	for _, id := range s.UserIdentities {
		if id.OrganizationID == orgID && id.Kind == domain.IdentityProviderID {
			count++
		}
	}
	// Each Resolve call records the identity again; the store upserts on
	// (organization_id, kind, value), so the second call adds no row.
	assert.Equal(t, 1, count)
}

// Scenario 5: identity merge. Event 1 creates U1 via
// cus_A. Event 2 attaches an email to U1. Event 3, a different subject
// from another source, arrives with the same email — the resolver folds
// the new identity into U1 instead of creating a second user.
func TestResolver_Resolve_MergesOnSharedEmailAcrossSources(t *testing.T) {
	s := storetest.New()
	r := identity.NewResolver(s, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	u1, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", nil)
	require.NoError(t, err)

	u1Again, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", []string{"x@y.com"})
	require.NoError(t, err)
	require.Equal(t, u1, u1Again)

	// A different subject under a different source shares the same email
	// hint.
	u2, err := r.Resolve(ctx, orgID, domain.SourceAppleIAP, "apple_txn_1", []string{"x@y.com"})
	require.NoError(t, err)

	// The email already belongs to U1, so the apple identity joins U1 and
	// no independent user is created for it.
	assert.Equal(t, u1, u2)
	_, err = s.GetUser(ctx, u1)
	require.NoError(t, err)

	// No dangling (source, external_id) row still maps to a missing user.
	for _, id := range s.UserIdentities {
		_, err := s.GetUser(ctx, id.UserID)
		require.NoError(t, err, "identity %+v references a deleted user", id)
	}
}

func TestResolver_Resolve_EmailComparisonIsCaseAndWhitespaceInsensitive(t *testing.T) {
	s := storetest.New()
	r := identity.NewResolver(s, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	first, err := r.Resolve(ctx, orgID, domain.SourceStripe, "cus_A", []string{"  X@Y.com  "})
	require.NoError(t, err)

	second, err := r.Resolve(ctx, orgID, domain.SourceAppleIAP, "apple_1", []string{"x@y.com"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
