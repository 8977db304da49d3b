package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// Manager upgrades WebSocket connections and enforces the per-ip
// connection limit.
type Manager struct {
	service  *stream.Service
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
	perIP map[string]int
}

func NewManager(service *stream.Service) *Manager {
	return &Manager{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
		perIP: make(map[string]int),
	}
}

// HandleWS serves GET /v2/ws/stream.
func (m *Manager) HandleWS(c echo.Context) error {
	ip := c.RealIP()

	ws, err := m.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.perIP[ip] >= maxConnectionsPerIP {
		m.mu.Unlock()
		zaplogger.Warn("ws: connection limit for ip", zaplogger.Fields{"ip": ip})
		conn := newConn(ws, ip, m.service)
		conn.closeWith(closeRateLimit, "too many connections from this address")
		return nil
	}
	m.perIP[ip]++
	m.mu.Unlock()

	conn := newConn(ws, ip, m.service)
	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()
	metrics.WSConnections.Inc()

	zaplogger.Debug("ws: connection open", zaplogger.Fields{"connection": conn.id, "ip": ip})
	conn.run()

	m.mu.Lock()
	delete(m.conns, conn.id)
	if m.perIP[ip] > 0 {
		m.perIP[ip]--
	}
	if m.perIP[ip] == 0 {
		delete(m.perIP, ip)
	}
	m.mu.Unlock()
	metrics.WSConnections.Dec()
	return nil
}

// ConnectionCount reports open connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every open connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.closeWith(closeNormal, "server shutdown")
	}
}
