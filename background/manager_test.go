package background

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/logger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

// fakeSession is an in-memory upstream session.
type fakeSession struct {
	mu         sync.Mutex
	connected  bool
	failNext   bool
	requests   map[int32]upstream.Contract
	cancelled  []int32
	hoursByCID map[int64]*upstream.ContractDetails
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		requests:   make(map[int32]upstream.Contract),
		hoursByCID: make(map[int64]*upstream.ContractDetails),
	}
}

func (f *fakeSession) Connect(ctx context.Context, host string, ports []int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return fmt.Errorf("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) RequestTickStream(reqID int32, contract upstream.Contract, tt tickmsg.TickType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.requests[reqID] = contract
	return nil
}

func (f *fakeSession) CancelTickStream(reqID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requests, reqID)
	f.cancelled = append(f.cancelled, reqID)
}

func (f *fakeSession) RequestContractDetails(ctx context.Context, contract upstream.Contract) (*upstream.ContractDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.hoursByCID[contract.ConID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("no details")
}

type fakeHydrator struct{}

func (fakeHydrator) Hydrate(ctx context.Context, conID int64, symbol string) (upstream.Contract, error) {
	return upstream.Contract{ConID: conID, Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}, nil
}

func newTestManager(t *testing.T, session Session, tracked []TrackedContract) (*Manager, *router.Router) {
	t.Helper()
	r := router.New(nil, true)
	log, err := logger.New(nil, "BACKGROUND TEST")
	require.NoError(t, err)
	m := NewManager(session, r, fakeHydrator{}, log, "127.0.0.1", []int{7497}, time.Second, 15*time.Minute, tracked)
	return m, r
}

func tracked(cid int64, symbol string, tts ...tickmsg.TickType) TrackedContract {
	return TrackedContract{ContractID: cid, Symbol: symbol, TickTypes: tts, BufferHours: 1, Enabled: true}
}

func TestEnsureStreamsConvergesToConfiguredSet(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, r := newTestManager(t, session, []TrackedContract{
		tracked(711280073, "MNQ", tickmsg.TickTypeLast, tickmsg.TickTypeBidAsk),
	})

	m.step()

	active := m.ActiveStreams()
	require.Contains(t, active, int64(711280073))
	assert.Len(t, active[711280073], 2)
	assert.Contains(t, active[711280073], tickmsg.TickTypeLast)
	assert.Contains(t, active[711280073], tickmsg.TickTypeBidAsk)
	assert.Equal(t, 2, r.Count())

	// request ids are allocated from the background base, monotonically
	for _, reqID := range active[711280073] {
		assert.GreaterOrEqual(t, reqID, router.BGBase)
	}

	// converged: another pass starts nothing new
	m.step()
	assert.Equal(t, 2, r.Count())
}

func TestDisconnectClearsStateAndReconnectConverges(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, r := newTestManager(t, session, []TrackedContract{
		tracked(711280073, "MNQ", tickmsg.TickTypeLast, tickmsg.TickTypeBidAsk),
	})

	m.step()
	require.Len(t, m.ActiveStreams()[711280073], 2)
	firstIDs := m.ActiveStreams()[711280073]

	// forcibly close the upstream socket
	session.Disconnect()
	m.step()

	assert.Empty(t, m.ActiveStreams(), "active streams must be empty after disconnect")
	assert.Equal(t, 0, r.Count(), "background handlers must be released")
	assert.Equal(t, 1, m.Failures())

	// upstream comes back: the backoff window for one failure is 5+2s, so
	// force the attempt clock and step again
	m.mu.Lock()
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
	m.step()

	active := m.ActiveStreams()
	require.Len(t, active[711280073], 2, "exactly one subscription per (contract, tick type) after reconnect")
	assert.Equal(t, 0, m.Failures(), "failure count resets on successful reconnect")

	// fresh request ids on the new session
	for tt, id := range active[711280073] {
		assert.NotEqual(t, firstIDs[tt], id, "request ids must not survive a reconnect")
	}
}

func TestReconnectBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(0))
	assert.Equal(t, 7*time.Second, backoffDelay(1))
	assert.Equal(t, 15*time.Second, backoffDelay(5))
	assert.Equal(t, 30*time.Second, backoffDelay(20), "delay is capped")
}

func TestStalenessRestartGatedByMarketHours(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, _ := newTestManager(t, session, []TrackedContract{
		tracked(711280073, "MNQ", tickmsg.TickTypeBidAsk),
	})
	m.running.Store(true)

	m.step()
	require.Len(t, m.ActiveStreams()[711280073], 1)
	before := m.ActiveStreams()[711280073][tickmsg.TickTypeBidAsk]

	// data is 45 minutes stale
	m.dataMu.Lock()
	m.lastData[711280073] = time.Now().Add(-45 * time.Minute)
	m.dataMu.Unlock()

	// market CLOSED: no restart regardless of staleness
	m.hoursMu.Lock()
	m.hours[711280073] = &upstream.ContractDetails{TradingHours: "20200101:CLOSED", LiquidHours: "20200101:CLOSED", TimeZoneID: "UTC"}
	m.hoursMu.Unlock()
	m.CheckStaleness()
	assert.Equal(t, before, m.ActiveStreams()[711280073][tickmsg.TickTypeBidAsk], "closed market must not restart")

	// market OPEN around the clock: restart fires
	allDay := alwaysOpenHours()
	m.hoursMu.Lock()
	m.hours[711280073] = &upstream.ContractDetails{TradingHours: allDay, LiquidHours: allDay, TimeZoneID: "UTC"}
	m.hoursMu.Unlock()
	m.CheckStaleness()

	after := m.ActiveStreams()[711280073][tickmsg.TickTypeBidAsk]
	assert.NotEqual(t, before, after, "open market with stale data must restart the subscription")

	// the restart reset the staleness clock: a second pass must not restart again
	m.CheckStaleness()
	assert.Equal(t, after, m.ActiveStreams()[711280073][tickmsg.TickTypeBidAsk], "restart fires exactly once per detection")
}

func TestBackgroundTickUpdatesStalenessClock(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, r := newTestManager(t, session, []TrackedContract{
		tracked(265598, "AAPL", tickmsg.TickTypeLast),
	})

	m.step()
	active := m.ActiveStreams()
	reqID := active[265598][tickmsg.TickTypeLast]

	r.RouteTick(reqID, tickmsg.NewLast(265598, tickmsg.TickTypeLast, time.Now().Unix(), 187.0, 10, false, reqID))

	stale, known := m.staleness(265598)
	require.True(t, known)
	assert.Less(t, stale, time.Minute)
}

func TestContractNotFoundBlocksRestart(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, r := newTestManager(t, session, []TrackedContract{
		tracked(999, "BAD", tickmsg.TickTypeLast),
	})

	m.step()
	reqID := m.ActiveStreams()[999][tickmsg.TickTypeLast]

	r.RouteError(reqID, 200, "No security definition has been found")
	assert.Empty(t, m.ActiveStreams())

	// the next pass must not resubscribe a contract upstream rejected
	m.step()
	assert.Empty(t, m.ActiveStreams())

	// a fresh session clears the block
	session.Disconnect()
	m.step()
	m.mu.Lock()
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
	m.step()
	assert.Len(t, m.ActiveStreams()[999], 1)
}

func TestHealthReporting(t *testing.T) {
	session := newFakeSession()
	session.connected = true
	m, _ := newTestManager(t, session, []TrackedContract{
		tracked(711280073, "MNQ", tickmsg.TickTypeBidAsk),
	})

	m.step()
	m.UpdateLastData(711280073)

	allDay := alwaysOpenHours()
	m.hoursMu.Lock()
	m.hours[711280073] = &upstream.ContractDetails{TradingHours: allDay, LiquidHours: allDay, TimeZoneID: "UTC"}
	m.hoursMu.Unlock()

	contracts, overall := m.Health()
	require.Len(t, contracts, 1)
	assert.Equal(t, "healthy", string(contracts[0].Health))
	assert.Equal(t, "healthy", string(overall))

	// session loss flips everything unhealthy
	session.Disconnect()
	_, overall = m.Health()
	assert.Equal(t, "unhealthy", string(overall))
}

func TestManagerDisabledWithoutTrackedContracts(t *testing.T) {
	m, _ := newTestManager(t, newFakeSession(), nil)
	assert.False(t, m.Enabled())
	m.Start() // no-op, must not panic or spin up goroutines
	m.Stop()
}

// alwaysOpenHours builds a schedule covering today and tomorrow so the
// market reads open no matter when the test runs.
func alwaysOpenHours() string {
	today := time.Now().UTC().Format("20060102")
	tomorrow := time.Now().UTC().Add(24 * time.Hour).Format("20060102")
	return today + ":0000-2359;" + tomorrow + ":0000-2359"
}
