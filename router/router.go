package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

// Store is the storage orchestrator surface the router forwards into.
type Store interface {
	Store(m *tickmsg.TickMessage)
}

// Router owns the request_id → handler mapping. Critical sections are O(1)
// lookups and insertions; delivery work happens outside the table lock.
type Router struct {
	mu       sync.RWMutex
	handlers map[int32]*Handler

	storage            Store
	storeClientStreams bool
}

func New(storage Store, storeClientStreams bool) *Router {
	return &Router{
		handlers:           make(map[int32]*Handler),
		storage:            storage,
		storeClientStreams: storeClientStreams,
	}
}

// Register adds a handler. A duplicate request id is a programmer error.
func (r *Router) Register(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.RequestID]; exists {
		return fmt.Errorf("handler for request id %d already registered", h.RequestID)
	}
	r.handlers[h.RequestID] = h
	metrics.ActiveHandlers.Set(float64(len(r.handlers)))
	return nil
}

// Unregister removes a handler. Idempotent.
func (r *Router) Unregister(requestID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, requestID)
	metrics.ActiveHandlers.Set(float64(len(r.handlers)))
}

// Get returns the handler owning a request id.
func (r *Router) Get(requestID int32) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[requestID]
	return h, ok
}

// RouteTick delivers a tick to its handler and forwards it to storage.
// Returns false when no handler owns the request id.
func (r *Router) RouteTick(requestID int32, m *tickmsg.TickMessage) bool {
	r.mu.RLock()
	h, ok := r.handlers[requestID]
	r.mu.RUnlock()

	if !ok {
		zaplogger.Debug("router: tick for unknown request id", zaplogger.Fields{"request_id": requestID})
		return false
	}

	if r.storage != nil && (r.storeClientStreams || h.IsBackground()) {
		r.storage.Store(m)
	}

	metrics.TicksRouted.WithLabelValues(string(m.TT)).Inc()
	if h.deliverTick(m) {
		r.Unregister(requestID)
	}
	return true
}

// RouteError surfaces a request-scoped upstream error to its handler.
// Non-recoverable codes drive the handler terminal.
func (r *Router) RouteError(requestID int32, code int, message string) bool {
	r.mu.RLock()
	h, ok := r.handlers[requestID]
	r.mu.RUnlock()

	if !ok {
		zaplogger.Debug("router: error for unknown request id", zaplogger.Fields{"request_id": requestID, "code": code})
		return false
	}

	if upstream.Classify(code) == upstream.ClassContractNotFound {
		h.Fail(CodeContractNotFound, message)
		r.Unregister(requestID)
		return true
	}

	h.SendError(CodeUpstreamWarning, fmt.Sprintf("upstream %d: %s", code, message))
	return true
}

// Terminate completes a handler with the given reason and removes it.
func (r *Router) Terminate(requestID int32, reason string) bool {
	r.mu.RLock()
	h, ok := r.handlers[requestID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h.Complete(reason)
	r.Unregister(requestID)
	return true
}

// ClientsConnectionLost tells every client handler the interactive
// upstream session died: one recoverable connection error followed by a
// complete with reason error. Background handlers belong to their own
// session and are released by the background manager instead.
func (r *Router) ClientsConnectionLost() {
	for _, h := range r.snapshot() {
		if h.IsBackground() {
			continue
		}
		h.SendError(CodeConnectionError, "upstream connection lost")
		h.Complete(ReasonError)
		r.Unregister(h.RequestID)
	}
}

// Shutdown completes every handler with reason server_shutdown.
func (r *Router) Shutdown() {
	for _, h := range r.snapshot() {
		h.Complete(ReasonServerShutdown)
		r.Unregister(h.RequestID)
	}
}

// CancelContract terminates all client (non-background) handlers for one
// contract. Returns how many were stopped.
func (r *Router) CancelContract(contractID int64) int {
	stopped := 0
	for _, h := range r.snapshot() {
		if h.ContractID == contractID && !h.IsBackground() {
			h.Complete(ReasonManualStop)
			r.Unregister(h.RequestID)
			stopped++
		}
	}
	return stopped
}

// CancelAllClients terminates every client handler.
func (r *Router) CancelAllClients() int {
	stopped := 0
	for _, h := range r.snapshot() {
		if !h.IsBackground() {
			h.Complete(ReasonManualStop)
			r.Unregister(h.RequestID)
			stopped++
		}
	}
	return stopped
}

// ReleaseBackground drops every background handler without emitting events;
// the ids are invalid across upstream sessions.
func (r *Router) ReleaseBackground() int {
	released := 0
	for _, h := range r.snapshot() {
		if h.IsBackground() {
			r.Unregister(h.RequestID)
			released++
		}
	}
	return released
}

// HandlerInfo is the management view of one handler.
type HandlerInfo struct {
	RequestID  int32     `json:"request_id"`
	ContractID int64     `json:"contract_id"`
	TickType   string    `json:"tick_type"`
	StreamID   string    `json:"stream_id"`
	TickCount  int       `json:"tick_count"`
	StartTime  time.Time `json:"start_time"`
	Background bool      `json:"background"`
}

// Active lists the registered handlers.
func (r *Router) Active() []HandlerInfo {
	out := make([]HandlerInfo, 0)
	for _, h := range r.snapshot() {
		out = append(out, HandlerInfo{
			RequestID:  h.RequestID,
			ContractID: h.ContractID,
			TickType:   string(h.TickType),
			StreamID:   h.StreamID,
			TickCount:  h.TickCount(),
			StartTime:  h.StartTime,
			Background: h.IsBackground(),
		})
	}
	return out
}

// Count returns the number of registered handlers.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Router) snapshot() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}
