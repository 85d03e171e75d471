// Package httpctx propagates the organization ID through request context.
package httpctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey int

const orgIDKey contextKey = iota

// HeaderOrgID is the header used by the internal read-API surface to
// carry the caller's organization scope.
const HeaderOrgID = "X-Internal-Org-Id"

// WithOrgID returns a context carrying orgID.
func WithOrgID(ctx context.Context, orgID uuid.UUID) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// GetOrgID extracts the organization ID set by WithOrgID.
func GetOrgID(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(orgIDKey).(uuid.UUID)
	return v, ok
}

// OrgIDMiddleware reads HeaderOrgID and attaches it to the request context.
func OrgIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.Request().Header.Get(HeaderOrgID)
		if raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				ctx := WithOrgID(c.Request().Context(), id)
				c.SetRequest(c.Request().WithContext(ctx))
			}
		}
		return next(c)
	}
}
