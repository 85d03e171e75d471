package access_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/access"
	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func submit(t *testing.T, h *access.Handler, orgID uuid.UUID, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(httpctx.WithOrgID(req.Context(), orgID))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if strings.HasSuffix(path, "/batch") {
		require.NoError(t, h.SubmitBatch(c))
	} else {
		require.NoError(t, h.Submit(c))
	}
	return rec
}

func TestHandler_Submit_UnresolvedRefIsRetained(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID := uuid.New()

	rec := submit(t, h, orgID, "/api/v1/access-checks", `{"user":"cus_1","hasAccess":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"userResolved":false}`, rec.Body.String())

	require.Len(t, s.AccessChecks, 1)
	for _, ac := range s.AccessChecks {
		assert.Nil(t, ac.UserID)
		assert.Equal(t, "cus_1", ac.ExternalUserRef)
		assert.False(t, ac.HasAccess)
	}
}

func TestHandler_Submit_KnownProviderRefResolvesUser(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID, userID := uuid.New(), uuid.New()
	s.Users[userID] = domain.User{ID: userID, OrganizationID: orgID}
	s.UserIdentities = append(s.UserIdentities, domain.UserIdentity{
		OrganizationID: orgID, UserID: userID, Kind: domain.IdentityProviderID, Value: "stripe:cus_1",
	})

	rec := submit(t, h, orgID, "/api/v1/access-checks", `{"user":"cus_1","hasAccess":true}`)
	assert.JSONEq(t, `{"ok":true,"userResolved":true}`, rec.Body.String())

	require.Len(t, s.AccessChecks, 1)
	for _, ac := range s.AccessChecks {
		require.NotNil(t, ac.UserID)
		assert.Equal(t, userID, *ac.UserID)
	}
}

func TestHandler_Submit_EmailRefMatchesCaseInsensitively(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID, userID := uuid.New(), uuid.New()
	s.Users[userID] = domain.User{ID: userID, OrganizationID: orgID}
	s.UserIdentities = append(s.UserIdentities, domain.UserIdentity{
		OrganizationID: orgID, UserID: userID, Kind: domain.IdentityEmail, Value: "x@y.com",
	})

	rec := submit(t, h, orgID, "/api/v1/access-checks", `{"user":"X@Y.com","hasAccess":true}`)
	assert.JSONEq(t, `{"ok":true,"userResolved":true}`, rec.Body.String())
}

func TestHandler_Submit_MissingUserReturnsBadRequest(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())

	rec := submit(t, h, uuid.New(), "/api/v1/access-checks", `{"hasAccess":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.AccessChecks)
}

func TestHandler_SubmitBatch_AppendsAllRecords(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID := uuid.New()

	rec := submit(t, h, orgID, "/api/v1/access-checks/batch",
		`{"records":[{"user":"cus_1","hasAccess":true},{"user":"cus_2","hasAccess":false}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"accepted":2,"resolved":0}`, rec.Body.String())
	assert.Len(t, s.AccessChecks, 2)
}

func TestHandler_SubmitBatch_OversizedBatchRejected(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())

	var sb strings.Builder
	sb.WriteString(`{"records":[`)
	for i := 0; i < 501; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"user":"u","hasAccess":true}`)
	}
	sb.WriteString(`]}`)

	rec := submit(t, h, uuid.New(), "/api/v1/access-checks/batch", sb.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.AccessChecks)
}

// ReplayUnresolved attaches the user once its identity later appears.
func TestReplayUnresolved_AttachesUserToRetainedCheck(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID := uuid.New()

	submit(t, h, orgID, "/api/v1/access-checks", `{"user":"cus_1","hasAccess":false}`)
	var checkID uuid.UUID
	for id := range s.AccessChecks {
		checkID = id
	}

	userID := uuid.New()
	s.Users[userID] = domain.User{ID: userID, OrganizationID: orgID}
	s.UserIdentities = append(s.UserIdentities, domain.UserIdentity{
		OrganizationID: orgID, UserID: userID, Kind: domain.IdentityProviderID, Value: "stripe:cus_1",
	})

	require.NoError(t, access.ReplayUnresolved(context.Background(), s, zap.NewNop(), orgID, "cus_1"))
	require.NotNil(t, s.AccessChecks[checkID].UserID)
	assert.Equal(t, userID, *s.AccessChecks[checkID].UserID)
}

func TestReplayUnresolved_NoIdentityLeavesCheckUntouched(t *testing.T) {
	s := storetest.New()
	h := access.NewHandler(s, nil, zap.NewNop())
	orgID := uuid.New()
	submit(t, h, orgID, "/api/v1/access-checks", `{"user":"cus_1","hasAccess":false}`)
	var checkID uuid.UUID
	for id := range s.AccessChecks {
		checkID = id
	}

	require.NoError(t, access.ReplayUnresolved(context.Background(), s, zap.NewNop(), orgID, "cus_1"))
	assert.Nil(t, s.AccessChecks[checkID].UserID)
}
