package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/veilhealth/exposure-service/internal/auth"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/ratelimit"
	"github.com/veilhealth/exposure-service/internal/report"
)

// ReportHandler serves test reporting, retraction, chain-link lookup,
// account recovery and data export.
type ReportHandler struct {
	svc     ReportService
	limiter Limiter
	issuer  *auth.TokenIssuer
}

func NewReportHandler(svc ReportService, limiter Limiter, issuer *auth.TokenIssuer) *ReportHandler {
	return &ReportHandler{svc: svc, limiter: limiter, issuer: issuer}
}

func (h *ReportHandler) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/reports/positive", h.ReportPositive)
	g.POST("/reports/negative", h.ReportNegative)
	g.GET("/chain-link", h.ChainLinkInfo)
	g.DELETE("/reports/:id", h.Delete)
	g.POST("/recover", h.Recover)
	g.GET("/export", h.Export)
}

// allow consumes one rate-limit slot, rejecting anonymous callers first so
// they never touch the counters.
func (h *ReportHandler) allow(c echo.Context, uid string, kind ratelimit.Kind) (bool, error) {
	if uid == "" {
		return false, errResponse(c, http.StatusUnauthorized, codeUnauthenticated, "missing caller identity")
	}
	if err := h.limiter.Allow(c.Request().Context(), uid, kind); err != nil {
		return false, handleSvcError(c, err)
	}
	return true, nil
}

func (h *ReportHandler) ReportPositive(c echo.Context) error {
	var input report.PositiveInput
	if err := c.Bind(&input); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	uid := callerUID(c)
	if ok, err := h.allow(c, uid, ratelimit.KindPositiveReport); !ok {
		return err
	}
	receipt, err := h.svc.SubmitPositive(c.Request().Context(), uid, input)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func (h *ReportHandler) ReportNegative(c echo.Context) error {
	var input report.NegativeInput
	if err := c.Bind(&input); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	uid := callerUID(c)
	if ok, err := h.allow(c, uid, ratelimit.KindNegativeTest); !ok {
		return err
	}
	receipt, err := h.svc.SubmitNegative(c.Request().Context(), uid, input)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func (h *ReportHandler) ChainLinkInfo(c echo.Context) error {
	info, err := h.svc.ChainLink(c.Request().Context(), callerUID(c), c.QueryParam("stiType"))
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *ReportHandler) Delete(c echo.Context) error {
	if err := h.svc.Retract(c.Request().Context(), callerUID(c), c.Param("id")); err != nil {
		return handleSvcError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type recoverRequest struct {
	SavedID string `json:"savedId"`
}

type recoverResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (h *ReportHandler) Recover(c echo.Context) error {
	var input recoverRequest
	if err := c.Bind(&input); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	uid := callerUID(c)
	if ok, err := h.allow(c, uid, ratelimit.KindAccountRecovery); !ok {
		return err
	}
	rec, err := h.svc.Recover(c.Request().Context(), input.SavedID)
	if err != nil {
		return handleSvcError(c, err)
	}
	token, err := h.issuer.Mint(rec.UID)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, recoverResponse{Token: token, User: rec.User})
}

func (h *ReportHandler) Export(c echo.Context) error {
	uid := callerUID(c)
	if ok, err := h.allow(c, uid, ratelimit.KindDataExport); !ok {
		return err
	}
	bundle, err := h.svc.Export(c.Request().Context(), uid)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}
