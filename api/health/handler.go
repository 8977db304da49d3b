// Package health exposes the service health report and stream management
// endpoints.
package health

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/background"
	"github.com/nsvirk/ibstreamapi/markethours"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/response"
	"github.com/nsvirk/ibstreamapi/storage"
)

// UpstreamStatus is the liveness probe surface of a session.
type UpstreamStatus interface {
	IsConnected() bool
}

type Handler struct {
	router   *router.Router
	storage  *storage.MultiStorage
	manager  *background.Manager
	service  *stream.Service
	upstream UpstreamStatus
	started  time.Time
}

func NewHandler(r *router.Router, store *storage.MultiStorage, manager *background.Manager, svc *stream.Service, up UpstreamStatus) *Handler {
	return &Handler{
		router:   r,
		storage:  store,
		manager:  manager,
		service:  svc,
		upstream: up,
		started:  time.Now(),
	}
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	overall := markethours.Healthy
	var contracts []background.ContractHealth
	backgroundEnabled := h.manager != nil && h.manager.Enabled()
	if backgroundEnabled {
		contracts, overall = h.manager.Health()
	}

	connected := h.upstream != nil && h.upstream.IsConnected()
	if !connected && overall == markethours.Healthy {
		overall = markethours.Degraded
	}

	status := http.StatusOK
	if overall == markethours.Unhealthy {
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":         string(overall),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"upstream": map[string]any{
			"connected":          connected,
			"background_enabled": backgroundEnabled,
		},
		"streams": map[string]any{
			"handlers":       h.router.Count(),
			"client_streams": h.service.ActiveCount(),
		},
		"storage": h.storage.AllStats(),
	}
	if backgroundEnabled {
		body["upstream"].(map[string]any)["background_connected"] = h.manager.IsConnected()
		body["tracked_contracts"] = contracts
	}
	return c.JSON(status, body)
}

// Active handles GET /stream/active.
func (h *Handler) Active(c echo.Context) error {
	return response.SuccessResponse(c, map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"handlers":       h.router.Active(),
		"client_streams": h.service.ActiveCount(),
	})
}

// StopContract handles DELETE /stream/:cid.
func (h *Handler) StopContract(c echo.Context) error {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "invalid contract id")
	}
	stopped := h.router.CancelContract(cid)
	return response.SuccessResponse(c, map[string]any{
		"contract_id": cid,
		"stopped":     stopped,
	})
}

// StopAll handles DELETE /stream/all.
func (h *Handler) StopAll(c echo.Context) error {
	stopped := h.router.CancelAllClients()
	return response.SuccessResponse(c, map[string]any{
		"stopped": stopped,
	})
}
