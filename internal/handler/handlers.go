// Package handler exposes the service over HTTP. Every operation reads the
// caller's uid from the authenticated request context; side-effecting report
// operations consume a rate-limit slot before touching the store.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/ratelimit"
	"github.com/veilhealth/exposure-service/internal/report"
	"github.com/veilhealth/exposure-service/internal/store"
	"github.com/veilhealth/exposure-service/internal/user"
)

// ── Service surfaces consumed by the handlers ─────────────────────────────

// ReportService is the slice of the report pipeline the API exposes.
type ReportService interface {
	SubmitPositive(ctx context.Context, uid string, in report.PositiveInput) (report.PositiveReceipt, error)
	SubmitNegative(ctx context.Context, uid string, in report.NegativeInput) (report.NegativeReceipt, error)
	ChainLink(ctx context.Context, uid, stiType string) (report.ChainLinkInfo, error)
	Retract(ctx context.Context, uid, reportID string) error
	Recover(ctx context.Context, savedID string) (report.Recovery, error)
	Export(ctx context.Context, uid string) (report.ExportBundle, error)
}

// UserService is the client data plane: account, interactions, inbox.
type UserService interface {
	Ensure(ctx context.Context, uid, username string) (model.User, error)
	UpdateProfile(ctx context.Context, uid string, patch user.ProfilePatch) (model.User, error)
	DeleteAccount(ctx context.Context, uid string) error
	RecordInteraction(ctx context.Context, uid string, in user.InteractionInput) (user.StoredInteraction, error)
	ListInteractions(ctx context.Context, uid string) ([]user.StoredInteraction, error)
	DeleteInteraction(ctx context.Context, uid, id string) error
	ListNotifications(ctx context.Context, uid string) ([]user.StoredNotification, error)
	MarkNotificationRead(ctx context.Context, uid, id string) error
	WatchNotifications(ctx context.Context, uid string) (<-chan []user.StoredNotification, error)
}

// Limiter gates side-effecting operations per caller.
type Limiter interface {
	Allow(ctx context.Context, uid string, kind ratelimit.Kind) error
}

// ── Shared error response helpers ─────────────────────────────────────────

const (
	codeUnauthenticated   = "unauthenticated"
	codeInvalidArgument   = "invalid-argument"
	codeResourceExhausted = "resource-exhausted"
	codePermissionDenied  = "permission-denied"
	codeNotFound          = "not-found"
	codeInternal          = "internal"
)

type errResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errResponse(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errResp{Code: code, Message: msg})
}

func handleSvcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrUnauthenticated):
		return errResponse(c, http.StatusUnauthorized, codeUnauthenticated, err.Error())
	case errors.Is(err, store.ErrInvalidArgument):
		return errResponse(c, http.StatusUnprocessableEntity, codeInvalidArgument, err.Error())
	case errors.Is(err, store.ErrResourceExhausted):
		return errResponse(c, http.StatusTooManyRequests, codeResourceExhausted, err.Error())
	case errors.Is(err, store.ErrPermissionDenied):
		return errResponse(c, http.StatusForbidden, codePermissionDenied, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return errResponse(c, http.StatusNotFound, codeNotFound, err.Error())
	default:
		return errResponse(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func callerUID(c echo.Context) string {
	uid, _ := GetUID(c.Request().Context())
	return uid
}
