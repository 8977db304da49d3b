package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/protocol"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/response"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/storage"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

const heartbeatInterval = 30 * time.Second

type Handler struct {
	service *Service
	storage *storage.MultiStorage
}

func NewHandler(service *Service, store *storage.MultiStorage) *Handler {
	return &Handler{service: service, storage: store}
}

// StreamLiveSingle handles GET /v2/stream/:cid/live/:tick_type.
func (h *Handler) StreamLiveSingle(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}
	tt, err := tickmsg.ParseTickType(c.Param("tick_type"))
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}
	p := &Params{ContractID: cid, TickTypes: []tickmsg.TickType{tt}}
	if p.Limit, err = parseLimit(c); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}
	if p.Timeout, err = parseTimeout(c); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}
	return h.streamLive(c, p)
}

// StreamLiveMulti handles GET /v2/stream/:cid/live?tick_types=bid_ask,last.
func (h *Handler) StreamLiveMulti(c echo.Context) error {
	p, err := parseStreamParams(c, true)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}
	return h.streamLive(c, p)
}

// StreamBuffer handles GET /v2/stream/:cid/buffer: historical replay of the
// trailing window, then live.
func (h *Handler) StreamBuffer(c echo.Context) error {
	p, err := parseStreamParams(c, true)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}

	durationRaw := c.QueryParam("buffer_duration")
	if durationRaw == "" {
		durationRaw = "1h"
	}
	duration, err := storage.ParseBufferDuration(durationRaw)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}

	source := c.QueryParam("source")
	if source == "" {
		source = storage.SourceJSON
	}

	// subscribe to live ticks BEFORE reading the historical range; ticks
	// arriving during replay wait in the sink's overflow queue
	cs, err := h.service.Open(p, true)
	if err != nil {
		return h.openError(c, err)
	}

	end := time.Now().UTC()
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	msgs, qerr := h.storage.QueryBufferRange(ctx, p.ContractID, p.TickTypes, end.Add(-duration), end, source, 0)
	cancel()
	if qerr != nil {
		zaplogger.Warn("stream: buffer query failed, replaying nothing", zaplogger.Fields{"contract_id": p.ContractID, "error": qerr})
		msgs = nil
	}

	sse := newSSEWriter(c)
	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	if err := sse.Send(protocol.Info(cs.StreamID, "buffer_start", map[string]any{
		"contract_id":          p.ContractID,
		"buffer_message_count": len(msgs),
		"buffer_duration":      durationRaw,
	})); err != nil {
		cs.StopWithReason(router.ReasonClientDisconnect)
		return nil
	}

	for i, m := range msgs {
		if err := sse.Send(protocol.Tick(cs.StreamID, m, true, i, len(msgs))); err != nil {
			cs.StopWithReason(router.ReasonClientDisconnect)
			return nil
		}
	}

	_ = sse.Send(protocol.Info(cs.StreamID, "buffer_complete", map[string]any{"message_count": len(msgs)}))
	_ = sse.Send(protocol.Info(cs.StreamID, "live_start", nil))

	cs.FlushBuffered()
	return h.pump(c, cs, sse)
}

func (h *Handler) streamLive(c echo.Context, p *Params) error {
	cs, err := h.service.Open(p, false)
	if err != nil {
		return h.openError(c, err)
	}

	sse := newSSEWriter(c)
	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	tts := make([]string, len(p.TickTypes))
	for i, tt := range p.TickTypes {
		tts[i] = string(tt)
	}
	if err := sse.Send(protocol.Info(cs.StreamID, "subscribed", map[string]any{
		"contract_id": p.ContractID,
		"tick_types":  tts,
	})); err != nil {
		cs.StopWithReason(router.ReasonClientDisconnect)
		return nil
	}

	return h.pump(c, cs, sse)
}

func (h *Handler) openError(c echo.Context, err error) error {
	if IsTooManyStreams(err) {
		return response.ErrorResponse(c, http.StatusTooManyRequests, "RateLimitException", err.Error())
	}
	return response.ErrorResponse(c, http.StatusServiceUnavailable, "UpstreamException", err.Error())
}

// pump drains the subscriber queue into the response until the terminal
// message, the deadline, a slow-consumer overflow, or client disconnect.
func (h *Handler) pump(c echo.Context, cs *ClientStream, sse *sseWriter) error {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var deadlineCh <-chan time.Time
	if !cs.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(cs.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	ctx := c.Request().Context()
	for {
		select {
		case msg := <-cs.Queue().C():
			if err := sse.Send(msg); err != nil {
				cs.StopWithReason(router.ReasonClientDisconnect)
				return nil
			}
			if msg.IsTerminal() {
				cs.Close(router.ReasonManualStop)
				return nil
			}

		case <-cs.Queue().Overflow():
			metrics.SubscriberDropped.WithLabelValues("sse").Inc()
			_ = sse.Send(protocol.Error(cs.StreamID, protocol.CodeSlowConsumer, "outbound queue overflow", false))
			cs.StopWithReason(router.ReasonError)
			return nil

		case <-deadlineCh:
			cs.StopWithReason(router.ReasonTimeout)
			// loop around to drain the queued complete message

		case <-heartbeat.C:
			if err := sse.Send(protocol.Heartbeat()); err != nil {
				cs.StopWithReason(router.ReasonClientDisconnect)
				return nil
			}

		case <-ctx.Done():
			cs.StopWithReason(router.ReasonClientDisconnect)
			return nil
		}
	}
}

// sseWriter renders protocol messages as SSE frames.
type sseWriter struct {
	c       echo.Context
	started bool
}

func newSSEWriter(c echo.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (w *sseWriter) Send(m *protocol.Message) error {
	if !w.started {
		header := w.c.Response().Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set(echo.HeaderCacheControl, "no-cache")
		header.Set(echo.HeaderConnection, "keep-alive")
		header.Set("X-Stream-Protocol", "v2")
		w.c.Response().WriteHeader(http.StatusOK)
		w.started = true
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Response(), "event: %s\ndata: %s\n\n", m.Type, data); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}
