package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/veilhealth/exposure-service/internal/user"
)

// UserHandler serves the owner-scoped data plane: the account document,
// interaction records and the notification inbox.
type UserHandler struct {
	svc UserService
}

func NewUserHandler(svc UserService) *UserHandler {
	return &UserHandler{svc: svc}
}

func (h *UserHandler) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/users/ensure", h.Ensure)
	g.PATCH("/users/me", h.UpdateProfile)
	g.DELETE("/users/me", h.DeleteAccount)
	g.POST("/interactions", h.RecordInteraction)
	g.GET("/interactions", h.ListInteractions)
	g.DELETE("/interactions/:id", h.DeleteInteraction)
	g.GET("/notifications", h.ListNotifications)
	g.POST("/notifications/:id/read", h.MarkRead)
	g.GET("/notifications/stream", h.Stream)
}

type ensureRequest struct {
	Username string `json:"username"`
}

func (h *UserHandler) Ensure(c echo.Context) error {
	var input ensureRequest
	if err := c.Bind(&input); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	u, err := h.svc.Ensure(c.Request().Context(), callerUID(c), input.Username)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *UserHandler) UpdateProfile(c echo.Context) error {
	var patch user.ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), callerUID(c), patch)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *UserHandler) DeleteAccount(c echo.Context) error {
	if err := h.svc.DeleteAccount(c.Request().Context(), callerUID(c)); err != nil {
		return handleSvcError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) RecordInteraction(c echo.Context) error {
	var input user.InteractionInput
	if err := c.Bind(&input); err != nil {
		return errResponse(c, http.StatusBadRequest, codeInvalidArgument, "invalid request body")
	}
	rec, err := h.svc.RecordInteraction(c.Request().Context(), callerUID(c), input)
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *UserHandler) ListInteractions(c echo.Context) error {
	recs, err := h.svc.ListInteractions(c.Request().Context(), callerUID(c))
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (h *UserHandler) DeleteInteraction(c echo.Context) error {
	if err := h.svc.DeleteInteraction(c.Request().Context(), callerUID(c), c.Param("id")); err != nil {
		return handleSvcError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) ListNotifications(c echo.Context) error {
	ns, err := h.svc.ListNotifications(c.Request().Context(), callerUID(c))
	if err != nil {
		return handleSvcError(c, err)
	}
	return c.JSON(http.StatusOK, ns)
}

func (h *UserHandler) MarkRead(c echo.Context) error {
	if err := h.svc.MarkNotificationRead(c.Request().Context(), callerUID(c), c.Param("id")); err != nil {
		return handleSvcError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Stream pushes inbox snapshots as server-sent events until the client
// disconnects. Each event carries the full current inbox, so consumers
// never have to reconcile deltas.
func (h *UserHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := h.svc.WatchNotifications(ctx, callerUID(c))
	if err != nil {
		return handleSvcError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for snap := range ch {
		payload, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res, "event: notifications\ndata: %s\n\n", payload); err != nil {
			// Client went away; the context cancellation stops the watch.
			return nil
		}
		res.Flush()
	}
	return nil
}
