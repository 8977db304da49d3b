package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsvirk/ibstreamapi/protocol"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	requests  map[int32]tickmsg.TickType
	cancels   []int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{connected: true, requests: make(map[int32]tickmsg.TickType)}
}

func (f *fakeUpstream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) RequestTickStream(reqID int32, contract upstream.Contract, tt tickmsg.TickType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.requests[reqID] = tt
	return nil
}

func (f *fakeUpstream) CancelTickStream(reqID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reqID)
}

func newTestService(t *testing.T) (*Service, *router.Router, *fakeUpstream) {
	t.Helper()
	r := router.New(nil, true)
	up := newFakeUpstream()
	return NewService(r, up, 50, 0), r, up
}

func drain(q *protocol.Queue) []*protocol.Message {
	var out []*protocol.Message
	for {
		select {
		case m := <-q.C():
			out = append(out, m)
		default:
			return out
		}
	}
}

func midpoint(cid int64, rid int32, n int) *tickmsg.TickMessage {
	return tickmsg.NewMidPoint(cid, time.Now().Unix(), 100+float64(n), rid)
}

func TestOpenRegistersHandlersAndSubscribes(t *testing.T) {
	svc, r, up := newTestService(t)

	cs, err := svc.Open(&Params{ContractID: 265598, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast, tickmsg.TickTypeBidAsk}}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Count())
	assert.Len(t, up.requests, 2)
	assert.Equal(t, 1, svc.ActiveCount())
	assert.Contains(t, cs.StreamID, "multi_")

	cs.StopWithReason(router.ReasonManualStop)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, svc.ActiveCount())
	assert.Len(t, up.cancels, 2)
}

func TestOpenRejectsWhenUpstreamDown(t *testing.T) {
	svc, _, up := newTestService(t)
	up.connected = false

	_, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}}, false)
	assert.Error(t, err)
}

func TestOpenEnforcesMaxStreams(t *testing.T) {
	r := router.New(nil, true)
	up := newFakeUpstream()
	svc := NewService(r, up, 2, 0)

	for i := 0; i < 2; i++ {
		_, err := svc.Open(&Params{ContractID: int64(i + 1), TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}}, false)
		require.NoError(t, err)
	}
	_, err := svc.Open(&Params{ContractID: 3, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}}, false)
	require.Error(t, err)
	assert.True(t, IsTooManyStreams(err))
}

// limit reached: N tick messages then exactly one complete, in that order
func TestLimitReachedEventOrder(t *testing.T) {
	svc, r, _ := newTestService(t)

	cs, err := svc.Open(&Params{ContractID: 265598, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}, Limit: 3}, false)
	require.NoError(t, err)
	reqID := cs.requestIDs[0]

	for i := 0; i < 5; i++ {
		r.RouteTick(reqID, midpoint(265598, reqID, i))
	}

	msgs := drain(cs.Queue())
	require.Len(t, msgs, 4, "3 ticks + 1 complete")
	for i := 0; i < 3; i++ {
		assert.Equal(t, protocol.TypeTick, msgs[i].Type)
	}
	complete := msgs[3]
	assert.Equal(t, protocol.TypeComplete, complete.Type)
	assert.True(t, complete.IsTerminal())
	data := complete.Data.(map[string]any)
	assert.Equal(t, router.ReasonLimitReached, data["reason"])
	assert.Equal(t, 3, data["total_ticks"])

	// upstream released on terminal
	assert.True(t, cs.Terminated())
}

func TestLimitBoundaryNotReachedEarly(t *testing.T) {
	svc, r, _ := newTestService(t)
	cs, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}, Limit: 4}, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.RouteTick(cs.requestIDs[0], midpoint(1, cs.requestIDs[0], i))
	}
	msgs := drain(cs.Queue())
	assert.Len(t, msgs, 3)
	assert.False(t, cs.Terminated())
}

// live ticks arriving during historical replay are buffered and spliced
// in after the flush
func TestBufferSplicing(t *testing.T) {
	svc, r, _ := newTestService(t)

	cs, err := svc.Open(&Params{ContractID: 711280073, TickTypes: []tickmsg.TickType{tickmsg.TickTypeBidAsk}, Limit: 2}, true)
	require.NoError(t, err)
	reqID := cs.requestIDs[0]

	// live ticks land while historical replay would be running
	r.RouteTick(reqID, midpoint(711280073, reqID, 0))
	r.RouteTick(reqID, midpoint(711280073, reqID, 1))
	assert.Empty(t, drain(cs.Queue()), "live ticks are held during replay")

	cs.FlushBuffered()
	msgs := drain(cs.Queue())
	require.Len(t, msgs, 3, "2 live ticks + complete(limit_reached)")
	assert.Equal(t, protocol.TypeTick, msgs[0].Type)
	assert.Equal(t, false, msgs[0].Metadata["historical"])
	assert.Equal(t, protocol.TypeComplete, msgs[2].Type)
}

func TestBufferOverflowTerminates(t *testing.T) {
	svc, r, _ := newTestService(t)

	cs, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeBidAsk}}, true)
	require.NoError(t, err)
	reqID := cs.requestIDs[0]

	for i := 0; i <= liveOverflowCap; i++ {
		r.RouteTick(reqID, midpoint(1, reqID, i))
	}

	msgs := drain(cs.Queue())
	require.Len(t, msgs, 1, "overflow emits exactly one terminal error")
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	data := msgs[0].Data.(map[string]any)
	assert.Equal(t, protocol.CodeBufferOverflow, data["code"])
	assert.Equal(t, false, data["recoverable"])
	assert.True(t, cs.Terminated())
}

// queue overflow trips the slow-consumer policy without stalling the
// router, and other subscribers keep receiving
func TestSlowConsumerOverflow(t *testing.T) {
	svc, r, _ := newTestService(t)

	slow, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeMidPoint}}, false)
	require.NoError(t, err)
	fast, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeMidPoint}}, false)
	require.NoError(t, err)

	// nobody drains `slow`; push past its queue bound
	for i := 0; i < protocol.DefaultQueueSize+5; i++ {
		r.RouteTick(slow.requestIDs[0], midpoint(1, slow.requestIDs[0], i))
	}
	for i := 0; i < 10; i++ {
		r.RouteTick(fast.requestIDs[0], midpoint(1, fast.requestIDs[0], i))
	}

	assert.True(t, slow.Queue().Overflowed())
	select {
	case <-slow.Queue().Overflow():
	default:
		t.Fatal("overflow signal expected")
	}

	// the same contract keeps serving the other subscriber
	assert.False(t, fast.Queue().Overflowed())
	assert.Equal(t, 10, fast.Queue().Len())
}

func TestTimeoutCompleteViaTerminate(t *testing.T) {
	svc, r, _ := newTestService(t)
	cs, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}, Timeout: 5 * time.Second}, false)
	require.NoError(t, err)
	assert.False(t, cs.Deadline.IsZero())

	cs.StopWithReason(router.ReasonTimeout)
	msgs := drain(cs.Queue())
	require.Len(t, msgs, 1)
	data := msgs[0].Data.(map[string]any)
	assert.Equal(t, router.ReasonTimeout, data["reason"])
	assert.Equal(t, 0, r.Count())
}

func TestRecoverableErrorDoesNotTerminate(t *testing.T) {
	svc, r, _ := newTestService(t)
	cs, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}}, false)
	require.NoError(t, err)

	r.RouteError(cs.requestIDs[0], 10197, "no market data during competing session")
	msgs := drain(cs.Queue())
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.False(t, msgs[0].IsTerminal())
	assert.False(t, cs.Terminated())
}

func TestContractNotFoundTerminates(t *testing.T) {
	svc, r, _ := newTestService(t)
	cs, err := svc.Open(&Params{ContractID: 1, TickTypes: []tickmsg.TickType{tickmsg.TickTypeLast}}, false)
	require.NoError(t, err)

	r.RouteError(cs.requestIDs[0], 200, "No security definition has been found")
	msgs := drain(cs.Queue())
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsTerminal())
	assert.True(t, cs.Terminated())
	assert.Equal(t, 0, r.Count())
}

func TestQueueRejectsPushesAfterOverflow(t *testing.T) {
	q := protocol.NewQueue(3)
	assert.True(t, q.Push(protocol.Heartbeat()))
	assert.True(t, q.Push(protocol.Heartbeat()))
	assert.True(t, q.Push(protocol.Heartbeat()))
	assert.False(t, q.Push(protocol.Heartbeat()), "push past the bound fails")
	assert.True(t, q.Overflowed())
	assert.False(t, q.Push(protocol.Heartbeat()), "queue stays rejecting after overflow")
}
