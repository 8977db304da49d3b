package background

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsvirk/ibstreamapi/markethours"
	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/logger"
	"github.com/nsvirk/ibstreamapi/shared/tasks"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

const (
	// ClientIDOffset separates the background session's client id from the
	// interactive one.
	ClientIDOffset = 1000

	pollInterval      = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
	hydrateTimeout    = 10 * time.Second

	// restartStaleness is the hard bar: past it with the market open, the
	// monitor restarts the contract's subscriptions.
	restartStaleness = 30 * time.Minute
)

// Session is the upstream surface the manager drives. Implemented by
// *upstream.Connection; tests substitute a fake.
type Session interface {
	Connect(ctx context.Context, host string, ports []int, timeout time.Duration) error
	Disconnect()
	IsConnected() bool
	RequestTickStream(reqID int32, contract upstream.Contract, tickType tickmsg.TickType) error
	CancelTickStream(reqID int32)
	RequestContractDetails(ctx context.Context, contract upstream.Contract) (*upstream.ContractDetails, error)
}

// Hydrator resolves a tracked contract to its full upstream record.
type Hydrator interface {
	Hydrate(ctx context.Context, conID int64, symbol string) (upstream.Contract, error)
}

// Manager drives one persistent subscription per (tracked contract, tick
// type) pair over a dedicated upstream session, reconnecting with backoff
// and restarting stale subscriptions while the market is open.
type Manager struct {
	session  Session
	router   *router.Router
	hydrator Hydrator
	log      *logger.Logger

	host          string
	ports         []int
	timeout       time.Duration
	stalenessBase time.Duration

	tracked map[int64]TrackedContract
	order   []int64

	mu            sync.Mutex
	activeStreams map[int64]map[tickmsg.TickType]int32
	startedAt     map[int64]time.Time
	blocked       map[int64]map[tickmsg.TickType]bool
	failures      int
	wasConnected  bool
	lastAttempt   time.Time

	dataMu   sync.Mutex
	lastData map[int64]time.Time

	hoursMu sync.Mutex
	hours   map[int64]*upstream.ContractDetails

	nextReqID atomic.Int32
	running   atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewManager(session Session, r *router.Router, hydrator Hydrator, log *logger.Logger, host string, ports []int, timeout, stalenessBase time.Duration, tracked []TrackedContract) *Manager {
	m := &Manager{
		session:       session,
		router:        r,
		hydrator:      hydrator,
		log:           log,
		host:          host,
		ports:         ports,
		timeout:       timeout,
		stalenessBase: stalenessBase,
		tracked:       make(map[int64]TrackedContract, len(tracked)),
		activeStreams: make(map[int64]map[tickmsg.TickType]int32),
		startedAt:     make(map[int64]time.Time),
		blocked:       make(map[int64]map[tickmsg.TickType]bool),
		lastData:      make(map[int64]time.Time),
		hours:         make(map[int64]*upstream.ContractDetails),
	}
	for _, tc := range tracked {
		m.tracked[tc.ContractID] = tc
		m.order = append(m.order, tc.ContractID)
	}
	m.nextReqID.Store(router.BGBase - 1)
	return m
}

// Enabled reports whether any contracts are tracked; background streaming
// is on iff the tracked set is non-empty.
func (m *Manager) Enabled() bool { return len(m.tracked) > 0 }

// Start launches the connection-management loop.
func (m *Manager) Start() {
	if !m.Enabled() {
		zaplogger.Info("background: no tracked contracts, manager disabled")
		return
	}
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		tasks.Supervise("background-connection", m.running.Load, m.connectionLoop)
	}()
	m.log.Info("Background manager started", map[string]interface{}{"tracked": len(m.tracked)})
}

// Stop cancels all subscriptions and tears the session down.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.stopAllStreams()
	m.session.Disconnect()
	m.log.Info("Background manager stopped", nil)
}

func (m *Manager) connectionLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	m.step()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.step()
		}
	}
}

func (m *Manager) step() {
	up := m.session.IsConnected()

	m.mu.Lock()
	wasConnected := m.wasConnected
	m.wasConnected = up
	if wasConnected && !up {
		m.failures++
		// the backoff window starts when the loss is detected
		m.lastAttempt = time.Now()
	}
	failures := m.failures
	sinceAttempt := time.Since(m.lastAttempt)
	m.mu.Unlock()

	if wasConnected && !up {
		zaplogger.Warn("background: upstream connection lost", zaplogger.Fields{"failures": failures})
		m.handleDisconnection()
	}

	if up {
		m.ensureStreams()
		return
	}

	if sinceAttempt < backoffDelay(failures) {
		return
	}
	m.mu.Lock()
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	metrics.UpstreamReconnects.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout+5*time.Second)
	err := m.session.Connect(ctx, m.host, m.ports, m.timeout)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.failures++
		failures = m.failures
		m.mu.Unlock()
		zaplogger.Warn("background: reconnect failed", zaplogger.Fields{"failures": failures, "error": err})
		return
	}

	m.mu.Lock()
	m.failures = 0
	m.wasConnected = true
	m.mu.Unlock()
	m.log.Info("Background upstream connected", map[string]interface{}{"host": m.host})
	m.ensureStreams()
}

func backoffDelay(failures int) time.Duration {
	d := time.Duration(5+2*failures) * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// handleDisconnection clears every request-id mapping (they are invalid
// across sessions) and releases the background handlers from the router.
func (m *Manager) handleDisconnection() {
	m.mu.Lock()
	m.activeStreams = make(map[int64]map[tickmsg.TickType]int32)
	m.startedAt = make(map[int64]time.Time)
	m.blocked = make(map[int64]map[tickmsg.TickType]bool)
	m.mu.Unlock()

	released := m.router.ReleaseBackground()
	zaplogger.Info("background: released handlers after disconnect", zaplogger.Fields{"released": released})
}

// ensureStreams converges the active set to one subscription per tracked
// (contract, tick type) pair.
func (m *Manager) ensureStreams() {
	for _, cid := range m.order {
		tc := m.tracked[cid]
		if !tc.Enabled {
			continue
		}
		for _, tt := range tc.TickTypes {
			m.mu.Lock()
			_, active := m.activeStreams[cid][tt]
			isBlocked := m.blocked[cid][tt]
			m.mu.Unlock()
			if active || isBlocked {
				continue
			}
			if err := m.startStream(tc, tt); err != nil {
				zaplogger.Warn("background: failed to start stream", zaplogger.Fields{
					"contract_id": cid, "symbol": tc.Symbol, "tick_type": tt, "error": err,
				})
			}
		}
	}
}

func (m *Manager) startStream(tc TrackedContract, tt tickmsg.TickType) error {
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	contract, err := m.hydrator.Hydrate(ctx, tc.ContractID, tc.Symbol)
	cancel()
	if err != nil {
		return err
	}

	reqID := m.nextReqID.Add(1)
	sink := &bgSink{manager: m, contractID: tc.ContractID, tickType: tt, requestID: reqID}
	h := router.NewHandler(reqID, tc.ContractID, tt, tickmsg.GenerateStreamID(tc.ContractID, tt), 0, time.Time{}, sink)
	if err := m.router.Register(h); err != nil {
		return err
	}

	if err := m.session.RequestTickStream(reqID, contract, tt); err != nil {
		m.router.Unregister(reqID)
		return err
	}

	m.mu.Lock()
	if m.activeStreams[tc.ContractID] == nil {
		m.activeStreams[tc.ContractID] = make(map[tickmsg.TickType]int32)
	}
	m.activeStreams[tc.ContractID][tt] = reqID
	if _, ok := m.startedAt[tc.ContractID]; !ok {
		m.startedAt[tc.ContractID] = time.Now()
	}
	m.mu.Unlock()

	m.fetchHoursOnce(contract)
	zaplogger.Info("background: stream started", zaplogger.Fields{
		"contract_id": tc.ContractID, "symbol": tc.Symbol, "tick_type": tt, "request_id": reqID,
	})
	return nil
}

// fetchHoursOnce pulls trading-hours metadata for a contract the first time
// one of its streams starts. Best effort; health falls back to UNKNOWN.
func (m *Manager) fetchHoursOnce(contract upstream.Contract) {
	m.hoursMu.Lock()
	_, have := m.hours[contract.ConID]
	m.hoursMu.Unlock()
	if have {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
		defer cancel()
		details, err := m.session.RequestContractDetails(ctx, contract)
		if err != nil {
			zaplogger.Debug("background: contract details unavailable", zaplogger.Fields{"contract_id": contract.ConID, "error": err})
			return
		}
		m.hoursMu.Lock()
		m.hours[contract.ConID] = details
		m.hoursMu.Unlock()
	}()
}

func (m *Manager) stopContractStreams(contractID int64) {
	m.mu.Lock()
	streams := m.activeStreams[contractID]
	delete(m.activeStreams, contractID)
	delete(m.startedAt, contractID)
	m.mu.Unlock()

	for _, reqID := range streams {
		m.session.CancelTickStream(reqID)
		m.router.Unregister(reqID)
	}
}

func (m *Manager) stopAllStreams() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.activeStreams))
	for cid := range m.activeStreams {
		ids = append(ids, cid)
	}
	m.mu.Unlock()
	for _, cid := range ids {
		m.stopContractStreams(cid)
	}
}

// dropStream forgets one (contract, tick type) mapping after its handler
// went terminal. blocked prevents an immediate restart loop for
// subscriptions upstream rejected outright.
func (m *Manager) dropStream(contractID int64, tt tickmsg.TickType, block bool) {
	m.mu.Lock()
	if streams, ok := m.activeStreams[contractID]; ok {
		delete(streams, tt)
		if len(streams) == 0 {
			delete(m.activeStreams, contractID)
		}
	}
	if block {
		if m.blocked[contractID] == nil {
			m.blocked[contractID] = make(map[tickmsg.TickType]bool)
		}
		m.blocked[contractID][tt] = true
	}
	m.mu.Unlock()
}

// UpdateLastData records the latest tick arrival for staleness tracking.
func (m *Manager) UpdateLastData(contractID int64) {
	m.dataMu.Lock()
	m.lastData[contractID] = time.Now()
	m.dataMu.Unlock()
}

// staleness reports how long a contract has gone without data; streams that
// never produced measure from their start time.
func (m *Manager) staleness(contractID int64) (time.Duration, bool) {
	m.dataMu.Lock()
	last, ok := m.lastData[contractID]
	m.dataMu.Unlock()
	if ok {
		return time.Since(last), true
	}

	m.mu.Lock()
	started, ok := m.startedAt[contractID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(started), true
}

// marketStatus resolves a tracked contract's market status from its cached
// trading-hours schedule.
func (m *Manager) marketStatus(contractID int64, now time.Time) markethours.MarketStatus {
	m.hoursMu.Lock()
	details, ok := m.hours[contractID]
	m.hoursMu.Unlock()
	if !ok {
		return markethours.StatusUnknown
	}
	return markethours.StatusAt(details.TradingHours, details.LiquidHours, details.TimeZoneID, now)
}

// CheckStaleness is the 60s monitor pass: warn on stale contracts expected
// to be trading, restart subscriptions stale past the hard bar while the
// market is open. Restarts happen at most once per contract per pass.
func (m *Manager) CheckStaleness() {
	if !m.running.Load() || !m.session.IsConnected() {
		return
	}

	now := time.Now()
	for _, cid := range m.order {
		tc := m.tracked[cid]
		if !tc.Enabled {
			continue
		}

		stale, known := m.staleness(cid)
		if !known {
			continue
		}

		market := m.marketStatus(cid, now)
		threshold := markethours.ThresholdFor(market, m.stalenessBase)

		if stale > threshold && expectedTrading(market) {
			m.log.Warn("Tracked contract data is stale", map[string]interface{}{
				"contract_id": cid,
				"symbol":      tc.Symbol,
				"staleness":   stale.Round(time.Second).String(),
				"threshold":   threshold.String(),
				"market":      string(market),
			})
		}

		if stale > restartStaleness && market == markethours.StatusOpen {
			m.log.Warn("Restarting stale subscriptions", map[string]interface{}{
				"contract_id": cid, "symbol": tc.Symbol, "staleness": stale.Round(time.Second).String(),
			})
			m.stopContractStreams(cid)
			m.UpdateLastData(cid) // reset the clock so one pass restarts once
			m.ensureContract(tc)
		}
	}
}

func expectedTrading(market markethours.MarketStatus) bool {
	switch market {
	case markethours.StatusOpen, markethours.StatusPreMarket, markethours.StatusAfterHours:
		return true
	}
	return false
}

func (m *Manager) ensureContract(tc TrackedContract) {
	for _, tt := range tc.TickTypes {
		if err := m.startStream(tc, tt); err != nil {
			zaplogger.Warn("background: restart failed", zaplogger.Fields{"contract_id": tc.ContractID, "tick_type": tt, "error": err})
		}
	}
}

// ActiveStreams snapshots the (contract, tick type) → request id mapping.
func (m *Manager) ActiveStreams() map[int64]map[tickmsg.TickType]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]map[tickmsg.TickType]int32, len(m.activeStreams))
	for cid, streams := range m.activeStreams {
		inner := make(map[tickmsg.TickType]int32, len(streams))
		for tt, id := range streams {
			inner[tt] = id
		}
		out[cid] = inner
	}
	return out
}

// Tracked returns the configured contracts in order.
func (m *Manager) Tracked() []TrackedContract {
	out := make([]TrackedContract, 0, len(m.order))
	for _, cid := range m.order {
		out = append(out, m.tracked[cid])
	}
	return out
}

// BufferHours returns a tracked contract's configured buffer window.
func (m *Manager) BufferHours(contractID int64) (int, bool) {
	tc, ok := m.tracked[contractID]
	if !ok {
		return 0, false
	}
	return tc.BufferHours, true
}

// ContractHealth is one contract's health verdict, as computed by Health.
type ContractHealth struct {
	ContractID   int64                     `json:"contract_id"`
	Symbol       string                    `json:"symbol"`
	Health       markethours.HealthStatus  `json:"health"`
	Market       markethours.MarketStatus  `json:"market_status"`
	ActiveCount  int                       `json:"active_streams"`
	ExpectedCnt  int                       `json:"expected_streams"`
	StalenessSec *float64                  `json:"staleness_seconds,omitempty"`
	LastData     *time.Time                `json:"last_data,omitempty"`
}

// Health reports per-contract and overall verdicts.
func (m *Manager) Health() ([]ContractHealth, markethours.HealthStatus) {
	connected := m.session.IsConnected()
	now := time.Now()

	var statuses []markethours.HealthStatus
	var out []ContractHealth
	for _, cid := range m.order {
		tc := m.tracked[cid]
		if !tc.Enabled {
			continue
		}

		m.mu.Lock()
		active := len(m.activeStreams[cid])
		m.mu.Unlock()

		market := m.marketStatus(cid, now)
		in := markethours.HealthInput{
			ConnectionIssues:   !connected,
			Market:             market,
			ActiveStreams:      active,
			ExpectedStreams:    len(tc.TickTypes),
			StalenessThreshold: markethours.ThresholdFor(market, m.stalenessBase),
		}

		ch := ContractHealth{
			ContractID:  cid,
			Symbol:      tc.Symbol,
			Market:      market,
			ActiveCount: active,
			ExpectedCnt: len(tc.TickTypes),
		}
		if stale, known := m.staleness(cid); known {
			in.Staleness = stale
			sec := stale.Seconds()
			ch.StalenessSec = &sec
		}
		m.dataMu.Lock()
		if last, ok := m.lastData[cid]; ok {
			t := last
			ch.LastData = &t
		}
		m.dataMu.Unlock()

		ch.Health = markethours.Compute(in)
		statuses = append(statuses, ch.Health)
		out = append(out, ch)
	}
	return out, markethours.WorstOf(statuses)
}

// Failures reports the consecutive connection-failure count.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// IsConnected reports the background session's liveness.
func (m *Manager) IsConnected() bool { return m.session.IsConnected() }

// bgSink is the handler sink for background subscriptions: storage happens
// in the router, so ticks only feed the staleness clock.
type bgSink struct {
	manager    *Manager
	contractID int64
	tickType   tickmsg.TickType
	requestID  int32
}

func (s *bgSink) OnTick(m *tickmsg.TickMessage) {
	s.manager.UpdateLastData(s.contractID)
}

func (s *bgSink) OnError(code, message string, recoverable bool) {
	if recoverable {
		zaplogger.Debug("background: stream warning", zaplogger.Fields{"request_id": s.requestID, "code": code, "message": message})
		return
	}
	zaplogger.Warn("background: stream failed", zaplogger.Fields{"request_id": s.requestID, "code": code, "message": message})
	s.manager.dropStream(s.contractID, s.tickType, code == router.CodeContractNotFound)
}

func (s *bgSink) OnComplete(reason string, totalTicks int) {
	zaplogger.Debug("background: stream complete", zaplogger.Fields{"request_id": s.requestID, "reason": reason, "ticks": totalTicks})
	s.manager.dropStream(s.contractID, s.tickType, false)
}
