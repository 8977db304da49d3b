package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/protocol"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Conn is one WebSocket connection multiplexing many subscriptions through
// a single bounded outbound queue.
type Conn struct {
	id      string
	ip      string
	ws      *websocket.Conn
	service *stream.Service
	limiter *rate.Limiter
	queue   *protocol.Queue

	mu   sync.Mutex
	subs map[string]*stream.ClientStream

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, ip string, service *stream.Service) *Conn {
	return &Conn{
		id:      "conn_" + uuid.NewString()[:8],
		ip:      ip,
		ws:      ws,
		service: service,
		limiter: rate.NewLimiter(rate.Limit(maxInboundPerSecond), maxInboundPerSecond),
		queue:   protocol.NewQueue(protocol.DefaultQueueSize),
		subs:    make(map[string]*stream.ClientStream),
		done:    make(chan struct{}),
	}
}

// run services the connection until the client goes away or a policy close
// fires. Blocks in the read loop; the write loop drains the queue.
func (c *Conn) run() {
	go c.writeLoop()

	c.queue.Push(protocol.Connected(c.id, []string{"subscribe", "unsubscribe", "unsubscribe_all", "ping"}))
	c.readLoop()
	c.shutdown(closeNormal, "bye")
}

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			zaplogger.Warn("ws: inbound rate limit exceeded", zaplogger.Fields{"connection": c.id, "ip": c.ip})
			c.closeWith(closeRateLimit, "inbound message rate exceeded")
			return
		}
		if !c.handleMessage(raw) {
			return
		}
	}
}

// handleMessage dispatches one client frame; returns false to stop the read
// loop.
func (c *Conn) handleMessage(raw []byte) bool {
	msg, err := decodeClientMessage(raw)
	if err != nil {
		c.queue.Push(protocol.Error("", protocol.CodeInvalidMessage, err.Error(), true))
		return true
	}

	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "unsubscribe_all":
		c.unsubscribeAll(router.ReasonManualStop)
		c.queue.Push(protocol.Info("", "unsubscribed_all", nil))
	case "ping":
		pong := protocol.Info("", "pong", map[string]any{"id": msg.ID})
		pong.Type = protocol.TypePong
		c.queue.Push(pong)
	default:
		c.queue.Push(protocol.Error("", protocol.CodeInvalidMessage, "unknown message type "+msg.Type, true))
	}
	return true
}

func (c *Conn) handleSubscribe(msg *clientMessage) {
	c.mu.Lock()
	subCount := len(c.subs)
	c.mu.Unlock()
	if subCount >= maxSubscriptionsPerConn {
		c.queue.Push(protocol.Error("", protocol.CodeRateLimit, "subscription limit reached for this connection", true))
		return
	}

	params, err := parseSubscribe(msg.Data)
	if err != nil {
		c.queue.Push(protocol.Error("", protocol.CodeInvalidMessage, err.Error(), true))
		return
	}

	cs, err := c.service.Open(params, false)
	if err != nil {
		if stream.IsTooManyStreams(err) {
			c.queue.Push(protocol.Error("", protocol.CodeRateLimit, err.Error(), true))
		} else {
			c.queue.Push(protocol.Error("", protocol.CodeInvalidMessage, err.Error(), true))
		}
		return
	}

	c.mu.Lock()
	c.subs[cs.StreamID] = cs
	c.mu.Unlock()

	tts := make([]string, len(params.TickTypes))
	for i, tt := range params.TickTypes {
		tts[i] = string(tt)
	}
	sub := protocol.Info(cs.StreamID, "subscribed", map[string]any{
		"id":          msg.ID,
		"contract_id": params.ContractID,
		"tick_types":  tts,
	})
	sub.Type = protocol.TypeSubscribed
	c.queue.Push(sub)

	go c.pumpSubscription(cs)
}

// pumpSubscription copies one subscription's messages into the connection
// queue until its terminal message passes through.
func (c *Conn) pumpSubscription(cs *stream.ClientStream) {
	var deadlineCh <-chan time.Time
	if !cs.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(cs.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	for {
		select {
		case msg := <-cs.Queue().C():
			c.queue.Push(msg)
			if msg.IsTerminal() {
				c.dropSub(cs.StreamID)
				cs.Close(router.ReasonManualStop)
				return
			}
		case <-cs.Queue().Overflow():
			// per-subscription overflow means this consumer cannot keep up
			c.closeWith(closeInternal, "subscriber queue overflow")
			c.dropSub(cs.StreamID)
			cs.StopWithReason(router.ReasonError)
			return
		case <-deadlineCh:
			cs.StopWithReason(router.ReasonTimeout)
			// loop around to forward the queued complete message
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleUnsubscribe(msg *clientMessage) {
	streamID, err := parseUnsubscribe(msg.Data)
	if err != nil {
		c.queue.Push(protocol.Error("", protocol.CodeInvalidMessage, err.Error(), true))
		return
	}

	c.mu.Lock()
	cs, ok := c.subs[streamID]
	c.mu.Unlock()
	if !ok {
		c.queue.Push(protocol.Error(streamID, protocol.CodeInvalidMessage, "unknown stream id", true))
		return
	}

	cs.StopWithReason(router.ReasonManualStop)
	unsub := protocol.Info(streamID, "unsubscribed", map[string]any{"id": msg.ID})
	unsub.Type = protocol.TypeUnsub
	c.queue.Push(unsub)
}

func (c *Conn) unsubscribeAll(reason string) {
	c.mu.Lock()
	subs := make([]*stream.ClientStream, 0, len(c.subs))
	for _, cs := range c.subs {
		subs = append(subs, cs)
	}
	c.subs = make(map[string]*stream.ClientStream)
	c.mu.Unlock()

	for _, cs := range subs {
		cs.StopWithReason(reason)
	}
}

func (c *Conn) dropSub(streamID string) {
	c.mu.Lock()
	delete(c.subs, streamID)
	c.mu.Unlock()
}

func (c *Conn) writeLoop() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-c.queue.C():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown(closeNormal, "write failed")
				return
			}
		case <-c.queue.Overflow():
			metrics.SubscriberDropped.WithLabelValues("ws").Inc()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteJSON(protocol.Error("", protocol.CodeSlowConsumer, "outbound queue overflow", false))
			c.closeWith(closeInternal, "slow consumer")
			return
		case <-heartbeat.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(protocol.Heartbeat()); err != nil {
				c.shutdown(closeNormal, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWith sends a close control frame with the given code and tears the
// connection down.
func (c *Conn) closeWith(code int, reason string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	c.shutdown(code, reason)
}

func (c *Conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribeAll(router.ReasonClientDisconnect)
		_ = c.ws.Close()
		zaplogger.Debug("ws: connection closed", zaplogger.Fields{"connection": c.id, "code": code, "reason": reason})
	})
}
