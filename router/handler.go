// Package router demultiplexes upstream ticks to per-subscriber stream
// handlers and forwards stored ticks into the storage orchestrator. It is
// the only place ticks enter storage.
package router

import (
	"sync"
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// BGBase is the first request id reserved for background subscriptions.
// Handlers at or above it are always stored.
const BGBase int32 = 60000

// Terminal reasons carried by complete events.
const (
	ReasonLimitReached     = "limit_reached"
	ReasonTimeout          = "timeout"
	ReasonClientDisconnect = "client_disconnect"
	ReasonManualStop       = "manual_stop"
	ReasonError            = "error"
	ReasonServerShutdown   = "server_shutdown"
)

// Error codes surfaced to subscribers.
const (
	CodeConnectionError  = "CONNECTION_ERROR"
	CodeContractNotFound = "CONTRACT_NOT_FOUND"
	CodeUpstreamWarning  = "UPSTREAM_WARNING"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Sink receives a handler's event stream. Implementations decide the
// delivery discipline; the router calls it synchronously and expects it to
// only enqueue.
type Sink interface {
	OnTick(m *tickmsg.TickMessage)
	OnError(code, message string, recoverable bool)
	OnComplete(reason string, totalTicks int)
}

// Handler is the per-consumer state held by the router. It emits exactly
// one terminal event: a complete, or an error with recoverable=false.
type Handler struct {
	RequestID  int32
	ContractID int64
	TickType   tickmsg.TickType
	StreamID   string
	Limit      int       // 0 = unlimited
	Deadline   time.Time // zero = none
	StartTime  time.Time

	sink Sink

	mu        sync.Mutex
	tickCount int
	terminal  bool
}

func NewHandler(requestID int32, contractID int64, tickType tickmsg.TickType, streamID string, limit int, deadline time.Time, sink Sink) *Handler {
	return &Handler{
		RequestID:  requestID,
		ContractID: contractID,
		TickType:   tickType,
		StreamID:   streamID,
		Limit:      limit,
		Deadline:   deadline,
		StartTime:  time.Now(),
		sink:       sink,
	}
}

// IsBackground reports whether the handler belongs to the background
// manager's request-id space.
func (h *Handler) IsBackground() bool { return h.RequestID >= BGBase }

// TickCount returns ticks delivered so far.
func (h *Handler) TickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tickCount
}

// IsTerminal reports whether the terminal event has been emitted.
func (h *Handler) IsTerminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminal
}

// deliverTick hands one tick to the sink and reports whether the handler
// reached a terminal state doing so.
func (h *Handler) deliverTick(m *tickmsg.TickMessage) bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return true
	}
	h.tickCount++
	limitReached := h.Limit > 0 && h.tickCount >= h.Limit
	deadlineHit := !h.Deadline.IsZero() && time.Now().After(h.Deadline)
	h.mu.Unlock()

	h.sink.OnTick(m)

	if limitReached {
		h.Complete(ReasonLimitReached)
		return true
	}
	if deadlineHit {
		h.Complete(ReasonTimeout)
		return true
	}
	return false
}

// Complete emits the terminal complete event. Returns false if a terminal
// event was already emitted.
func (h *Handler) Complete(reason string) bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return false
	}
	h.terminal = true
	n := h.tickCount
	h.mu.Unlock()

	h.sink.OnComplete(reason, n)
	return true
}

// Fail emits the terminal non-recoverable error event.
func (h *Handler) Fail(code, message string) bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return false
	}
	h.terminal = true
	h.mu.Unlock()

	h.sink.OnError(code, message, false)
	return true
}

// SendError emits a recoverable error without terminating the handler.
func (h *Handler) SendError(code, message string) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.sink.OnError(code, message, true)
}
