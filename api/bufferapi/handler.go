// Package bufferapi exposes range queries and stats over the persisted
// tick buffer.
package bufferapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nsvirk/ibstreamapi/background"
	"github.com/nsvirk/ibstreamapi/shared/response"
	"github.com/nsvirk/ibstreamapi/storage"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

type Handler struct {
	storage *storage.MultiStorage
	manager *background.Manager
}

func NewHandler(store *storage.MultiStorage, manager *background.Manager) *Handler {
	return &Handler{storage: store, manager: manager}
}

// Range handles GET /v2/buffer/:cid/range.
func (h *Handler) Range(c echo.Context) error {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "invalid contract id")
	}

	var tickTypes []tickmsg.TickType
	if raw := c.QueryParam("tick_types"); raw != "" {
		if tickTypes, err = tickmsg.ParseTickTypes(raw); err != nil {
			return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
		}
	}

	start, end, err := parseRangeWindow(c)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 || limit > 10000 {
			return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "limit must be in [1, 10000]")
		}
	}

	source := c.QueryParam("source")
	msgs, err := h.storage.QueryBufferRange(c.Request().Context(), cid, tickTypes, start, end, source, limit)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "StorageException", err.Error())
	}

	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.ToV2().Data
	}
	return response.SuccessResponse(c, map[string]any{
		"contract_id": cid,
		"start_time":  start.Format(time.RFC3339),
		"end_time":    end.Format(time.RFC3339),
		"count":       len(msgs),
		"messages":    out,
	})
}

// parseRangeWindow resolves start_time plus either end_time or duration,
// in an optional tz.
func parseRangeWindow(c echo.Context) (time.Time, time.Time, error) {
	loc := time.UTC
	if tz := c.QueryParam("tz"); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("unknown timezone %q", tz)
		}
	}

	startRaw := c.QueryParam("start_time")
	if startRaw == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start_time is required")
	}
	start, err := parseTimeIn(startRaw, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time: %w", err)
	}

	endRaw := c.QueryParam("end_time")
	durRaw := c.QueryParam("duration")
	switch {
	case endRaw != "" && durRaw != "":
		return time.Time{}, time.Time{}, fmt.Errorf("pass end_time or duration, not both")
	case endRaw != "":
		end, err := parseTimeIn(endRaw, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time: %w", err)
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("end_time must be after start_time")
		}
		return start.UTC(), end.UTC(), nil
	case durRaw != "":
		d, err := storage.ParseBufferDuration(durRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return start.UTC(), start.Add(d).UTC(), nil
	default:
		return start.UTC(), time.Now().UTC(), nil
	}
}

func parseTimeIn(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", raw)
}

// Info handles GET /v2/buffer/:cid/info.
func (h *Handler) Info(c echo.Context) error {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "invalid contract id")
	}

	info := map[string]any{
		"contract_id": cid,
		"tracked":     false,
	}
	if h.manager != nil {
		if hours, ok := h.manager.BufferHours(cid); ok {
			info["tracked"] = true
			info["buffer_hours"] = hours
		}
	}
	info["formats"] = h.storage.WriterNames()
	return response.SuccessResponse(c, info)
}

// Stats handles GET /v2/buffer/:cid/stats: per-format footprint plus a
// per-tick-type message count over the contract's configured buffer window
// (the trailing hour for untracked contracts).
func (h *Handler) Stats(c echo.Context) error {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "invalid contract id")
	}

	window := time.Hour
	if h.manager != nil {
		if hours, ok := h.manager.BufferHours(cid); ok {
			window = time.Duration(hours) * time.Hour
		}
	}

	counts := make(map[string]int)
	end := time.Now().UTC()
	msgs, err := h.storage.QueryBufferRange(c.Request().Context(), cid, nil, end.Add(-window), end, storage.SourceJSON, 0)
	if err == nil {
		for _, m := range msgs {
			counts[string(m.TT)]++
		}
	}

	return response.SuccessResponse(c, map[string]any{
		"contract_id":    cid,
		"window":         window.String(),
		"message_counts": counts,
		"storage":        h.storage.AllStats(),
	})
}
