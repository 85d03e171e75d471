package issue_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/issue"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/store/storetest"
)

func newIssueCtx(method, path, body string, orgID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var r *strings.Reader
	if body == "" {
		r = strings.NewReader("")
	} else {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := httpctx.WithOrgID(req.Context(), orgID)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_List_ReturnsOpenIssuesForOrganization(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	issueID := uuid.New()
	s.Issues[issueID] = domain.Issue{ID: issueID, OrganizationID: orgID, State: domain.IssueOpen, Severity: domain.SeverityWarning}

	h := issue.NewHandler(issue.NewService(s))
	c, rec := newIssueCtx(http.MethodGet, "/v1/issues", "", orgID)

	require.NoError(t, h.List(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), issueID.String())
}

func TestHandler_List_FiltersByStatusAndIssueType(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	openID, resolvedID := uuid.New(), uuid.New()
	s.Issues[openID] = domain.Issue{ID: openID, OrganizationID: orgID, State: domain.IssueOpen, Detector: domain.DetectorUnrevokedRefund}
	s.Issues[resolvedID] = domain.Issue{ID: resolvedID, OrganizationID: orgID, State: domain.IssueResolved, Detector: domain.DetectorUnrevokedRefund}

	h := issue.NewHandler(issue.NewService(s))
	c, rec := newIssueCtx(http.MethodGet, "/v1/issues?status=resolved&issueType=unrevoked_refund", "", orgID)

	require.NoError(t, h.List(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resolvedID.String())
	assert.NotContains(t, rec.Body.String(), openID.String())
}

func TestHandler_List_MissingOrgContextReturnsUnauthorized(t *testing.T) {
	s := storetest.New()
	h := issue.NewHandler(issue.NewService(s))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/issues", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.List(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_Acknowledge_OpenIssueTransitionsAndReturns200(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	issueID := uuid.New()
	s.Issues[issueID] = domain.Issue{ID: issueID, OrganizationID: orgID, State: domain.IssueOpen}

	h := issue.NewHandler(issue.NewService(s))
	c, rec := newIssueCtx(http.MethodPost, "/v1/issues/"+issueID.String()+"/acknowledge", "", orgID)
	c.SetParamNames("id")
	c.SetParamValues(issueID.String())

	require.NoError(t, h.Acknowledge(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.IssueAcknowledged, s.Issues[issueID].State)
}

func TestHandler_Resolve_InvalidTransitionReturnsConflict(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()
	issueID := uuid.New()
	s.Issues[issueID] = domain.Issue{ID: issueID, OrganizationID: orgID, State: domain.IssueResolved}

	h := issue.NewHandler(issue.NewService(s))
	c, rec := newIssueCtx(http.MethodPost, "/v1/issues/"+issueID.String()+"/resolve", `{"resolution":"dup"}`, orgID)
	c.SetParamNames("id")
	c.SetParamValues(issueID.String())

	require.NoError(t, h.Resolve(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Dismiss_InvalidIssueIDReturnsBadRequest(t *testing.T) {
	s := storetest.New()
	orgID := uuid.New()

	h := issue.NewHandler(issue.NewService(s))
	c, rec := newIssueCtx(http.MethodPost, "/v1/issues/not-a-uuid/dismiss", `{"resolution":"noise"}`, orgID)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	require.NoError(t, h.Dismiss(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
