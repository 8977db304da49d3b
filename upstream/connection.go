package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

const (
	// verifyInterval bounds how stale a liveness verdict may get before the
	// next IsConnected call issues a fresh probe.
	verifyInterval = 10 * time.Second
	// probeTimeout is how long a probe may stay unanswered before the
	// session is declared dead.
	probeTimeout = 3 * time.Second

	// detailsReqBase keeps contract-details request ids clear of tick
	// subscription ids.
	detailsReqBase int32 = 900000
)

// Routes is the downstream the connection publishes decoded events to.
type Routes interface {
	RouteTick(requestID int32, m *tickmsg.TickMessage) bool
	RouteError(requestID int32, code int, msg string) bool
}

// subscription is what the connection remembers per active request id.
type subscription struct {
	contractID int64
	tickType   tickmsg.TickType
}

// Connection owns exactly one upstream session. It multiplexes tick
// subscriptions onto the socket, decodes inbound frames into TickMessages,
// and publishes them to the router synchronously (the router only enqueues).
type Connection struct {
	factory  DriverFactory
	routes   Routes
	clientID int32

	OnConnected    func()
	OnDisconnected func()

	mu            sync.Mutex
	driver        Driver
	connected     bool
	port          int
	handshakeCh   chan int32
	subscriptions map[int32]subscription
	lastVerify    time.Time
	probeSent     time.Time
	probePending  bool

	detailsMu      sync.Mutex
	nextDetailsReq int32
	pendingDetails map[int32]chan ContractDetails
}

func NewConnection(factory DriverFactory, clientID int32, routes Routes) *Connection {
	return &Connection{
		factory:        factory,
		routes:         routes,
		clientID:       clientID,
		subscriptions:  make(map[int32]subscription),
		nextDetailsReq: detailsReqBase,
		pendingDetails: make(map[int32]chan ContractDetails),
	}
}

// Connect tries each port in order. Success requires both the socket
// connection and the next-valid-id handshake within timeout; failure is
// reported only once the full list is exhausted.
func (c *Connection) Connect(ctx context.Context, host string, ports []int, timeout time.Duration) error {
	var lastErr error
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connectPort(ctx, host, port, timeout); err != nil {
			lastErr = err
			zaplogger.Debug("upstream: port attempt failed", zaplogger.Fields{"host": host, "port": port, "error": err})
			continue
		}
		zaplogger.Info("upstream: connected", zaplogger.Fields{"host": host, "port": port, "client_id": c.clientID})
		if c.OnConnected != nil {
			c.OnConnected()
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no ports to try")
	}
	return fmt.Errorf("upstream unreachable on %s %v: %w", host, ports, lastErr)
}

func (c *Connection) connectPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	c.mu.Lock()
	c.handshakeCh = make(chan int32, 1)
	driver := c.factory(c.events())
	c.driver = driver
	c.port = port
	c.mu.Unlock()

	if err := driver.Connect(host, port, c.clientID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case <-c.handshakeCh:
	case <-time.After(timeout):
		_ = driver.Disconnect()
		return fmt.Errorf("handshake timed out after %s", timeout)
	case <-ctx.Done():
		_ = driver.Disconnect()
		return ctx.Err()
	}

	c.mu.Lock()
	c.connected = true
	c.lastVerify = time.Now()
	c.probePending = false
	c.mu.Unlock()
	return nil
}

// Disconnect tears the session down and forgets all subscriptions; request
// ids are not valid across sessions.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	driver := c.driver
	wasConnected := c.connected
	c.connected = false
	c.subscriptions = make(map[int32]subscription)
	c.mu.Unlock()

	if driver != nil {
		_ = driver.Disconnect()
	}
	if wasConnected && c.OnDisconnected != nil {
		c.OnDisconnected()
	}
}

// IsConnected reports session liveness. The underlying library may fail to
// surface TCP resets, so a cheap current-time probe is refreshed at most
// every verifyInterval; an unanswered probe past probeTimeout flips the
// verdict to disconnected.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()

	if !c.connected {
		c.mu.Unlock()
		return false
	}

	now := time.Now()
	if c.probePending && now.Sub(c.probeSent) > probeTimeout {
		c.connected = false
		c.subscriptions = make(map[int32]subscription)
		driver := c.driver
		c.mu.Unlock()
		zaplogger.Warn("upstream: liveness probe unanswered, marking disconnected", zaplogger.Fields{"client_id": c.clientID})
		if driver != nil {
			_ = driver.Disconnect()
		}
		if c.OnDisconnected != nil {
			c.OnDisconnected()
		}
		return false
	}

	if !c.probePending && now.Sub(c.lastVerify) > verifyInterval {
		c.probePending = true
		c.probeSent = now
		driver := c.driver
		c.mu.Unlock()
		if err := driver.ReqCurrentTime(); err != nil {
			c.markDisconnected("probe write failed")
			return false
		}
		return true
	}

	c.mu.Unlock()
	return true
}

// RequestTickStream issues the upstream subscription. The caller owns
// request-id uniqueness.
func (c *Connection) RequestTickStream(reqID int32, contract Contract, tickType tickmsg.TickType) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	driver := c.driver
	c.subscriptions[reqID] = subscription{contractID: contract.ConID, tickType: tickType}
	c.mu.Unlock()

	if err := driver.ReqTickByTickData(reqID, contract, tickType.Upstream(), 0, false); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, reqID)
		c.mu.Unlock()
		return fmt.Errorf("request tick stream %d: %w", reqID, err)
	}
	return nil
}

// CancelTickStream is best-effort and idempotent.
func (c *Connection) CancelTickStream(reqID int32) {
	c.mu.Lock()
	_, known := c.subscriptions[reqID]
	delete(c.subscriptions, reqID)
	driver := c.driver
	connected := c.connected
	c.mu.Unlock()

	if known && connected && driver != nil {
		if err := driver.CancelTickByTickData(reqID); err != nil {
			zaplogger.Debug("upstream: cancel failed", zaplogger.Fields{"request_id": reqID, "error": err})
		}
	}
}

// ActiveSubscriptions returns the request ids known to this session.
func (c *Connection) ActiveSubscriptions() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int32, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// RequestContractDetails fetches contract metadata from the session,
// waiting until upstream answers or ctx expires.
func (c *Connection) RequestContractDetails(ctx context.Context, contract Contract) (*ContractDetails, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	driver := c.driver
	c.mu.Unlock()

	c.detailsMu.Lock()
	c.nextDetailsReq++
	reqID := c.nextDetailsReq
	ch := make(chan ContractDetails, 1)
	c.pendingDetails[reqID] = ch
	c.detailsMu.Unlock()

	defer func() {
		c.detailsMu.Lock()
		delete(c.pendingDetails, reqID)
		c.detailsMu.Unlock()
	}()

	if err := driver.ReqContractDetails(reqID, contract); err != nil {
		return nil, fmt.Errorf("request contract details: %w", err)
	}

	select {
	case details := <-ch:
		return &details, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) markDisconnected(reason string) {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.subscriptions = make(map[int32]subscription)
	c.mu.Unlock()

	if was {
		zaplogger.Warn("upstream: session lost", zaplogger.Fields{"client_id": c.clientID, "reason": reason})
		if c.OnDisconnected != nil {
			c.OnDisconnected()
		}
	}
}

// events builds the driver callback set for one session.
func (c *Connection) events() *Events {
	return &Events{
		TickLast: func(reqID int32, tickType tickmsg.TickType, tsUS int64, price, size float64, unreported bool) {
			sub, ok := c.lookup(reqID)
			if !ok {
				return
			}
			metrics.TicksReceived.WithLabelValues(string(tickType)).Inc()
			m := tickmsg.NewLast(sub.contractID, tickType, tsUS, price, size, unreported, reqID)
			c.routes.RouteTick(reqID, m)
		},
		TickBidAsk: func(reqID int32, tsUS int64, bidPrice, askPrice, bidSize, askSize float64, bidPastLow, askPastHigh bool) {
			sub, ok := c.lookup(reqID)
			if !ok {
				return
			}
			metrics.TicksReceived.WithLabelValues(string(tickmsg.TickTypeBidAsk)).Inc()
			m := tickmsg.NewBidAsk(sub.contractID, tsUS, bidPrice, askPrice, bidSize, askSize, bidPastLow, askPastHigh, reqID)
			c.routes.RouteTick(reqID, m)
		},
		TickMidPoint: func(reqID int32, tsUS int64, midPoint float64) {
			sub, ok := c.lookup(reqID)
			if !ok {
				return
			}
			metrics.TicksReceived.WithLabelValues(string(tickmsg.TickTypeMidPoint)).Inc()
			m := tickmsg.NewMidPoint(sub.contractID, tsUS, midPoint, reqID)
			c.routes.RouteTick(reqID, m)
		},
		Error: func(reqID int32, code int, msg string) {
			c.handleError(reqID, code, msg)
		},
		NextValidID: func(id int32) {
			c.mu.Lock()
			ch := c.handshakeCh
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- id:
				default:
				}
			}
		},
		ContractDetails: func(reqID int32, details ContractDetails) {
			c.detailsMu.Lock()
			ch, ok := c.pendingDetails[reqID]
			c.detailsMu.Unlock()
			if ok {
				select {
				case ch <- details:
				default:
				}
			}
		},
		ContractDetailsEnd: func(reqID int32) {},
		CurrentTime: func(t time.Time) {
			c.mu.Lock()
			c.probePending = false
			c.lastVerify = time.Now()
			c.mu.Unlock()
		},
		ConnectionClosed: func() {
			c.markDisconnected("connection closed by peer")
		},
	}
}

func (c *Connection) lookup(reqID int32) (subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[reqID]
	return sub, ok
}

func (c *Connection) handleError(reqID int32, code int, msg string) {
	switch Classify(code) {
	case ClassFatal:
		zaplogger.Error("upstream: fatal session error", zaplogger.Fields{"code": code, "message": msg})
		c.markDisconnected(fmt.Sprintf("error %d", code))
	case ClassInfo:
		zaplogger.Info("upstream: notice", zaplogger.Fields{"code": code, "message": msg})
	case ClassContractNotFound:
		zaplogger.Warn("upstream: contract not found", zaplogger.Fields{"request_id": reqID, "message": msg})
		if reqID > 0 {
			c.routes.RouteError(reqID, code, msg)
			c.CancelTickStream(reqID)
		}
	default:
		zaplogger.Warn("upstream: warning", zaplogger.Fields{"request_id": reqID, "code": code, "message": msg})
		if reqID > 0 {
			if _, ok := c.lookup(reqID); ok {
				c.routes.RouteError(reqID, code, msg)
			}
		}
	}
}
