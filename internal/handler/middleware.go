package handler

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veilhealth/exposure-service/internal/auth"
)

type contextKey string

// uidKey is the context key for the authenticated caller's uid.
const uidKey contextKey = "uid"

// WithUID returns a new context carrying the caller's uid.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidKey, uid)
}

// GetUID extracts the caller's uid from the context.
func GetUID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(uidKey).(string)
	return v, ok && v != ""
}

// IdentityMiddleware resolves the caller's uid and propagates it into the
// request context.
//
// Two credentials are accepted: the X-Internal-User-Id header injected by
// the API gateway after primary authentication, and a bearer token minted
// by the recovery flow. The gateway header wins when both are present.
// Requests with neither pass through without an identity; handlers reject
// them per operation.
func IdentityMiddleware(issuer *auth.TokenIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if uid := c.Request().Header.Get("X-Internal-User-Id"); uid != "" {
				c.SetRequest(c.Request().WithContext(WithUID(ctx, uid)))
				return next(c)
			}
			if raw, ok := bearerToken(c); ok && issuer != nil {
				if uid, err := issuer.Verify(raw); err == nil {
					c.SetRequest(c.Request().WithContext(WithUID(ctx, uid)))
				}
			}
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, bool) {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
