package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/syncflow/link-server/internal/config"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/middleware"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/service"
)

type DeviceAPI interface {
	List(ctx context.Context, accountID string) (*service.DeviceListResult, error)
	Unpair(ctx context.Context, principal model.Principal, deviceID string) error
	Heartbeat(ctx context.Context, principal model.Principal) error
}

type DeviceHandler struct {
	devices DeviceAPI
}

func NewDeviceHandler(devices DeviceAPI) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// Routes mounts under /v1/devices.
func (h *DeviceHandler) Routes(auth Authenticator, accountLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.With(auth.RequireAccount, accountLimit).Get("/", h.List)
	r.With(auth.RequireDevice, accountLimit).Post("/heartbeat", h.Heartbeat)
	r.With(auth.RequireAny, accountLimit).Delete("/{deviceId}", h.Unpair)

	return r
}

// GET /v1/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	result, err := h.devices.List(r.Context(), principal.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// DELETE /v1/devices/{deviceId}
func (h *DeviceHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	if err := h.devices.Unpair(r.Context(), *principal, deviceID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"unpaired": true,
	})
}

// POST /v1/devices/heartbeat
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	if err := h.devices.Heartbeat(r.Context(), *principal); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": principal.DeviceID,
		"at":       time.Now().UnixMilli(),
	})
}
