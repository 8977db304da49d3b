package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// recordingSink captures the event stream a handler emits.
type recordingSink struct {
	mu        sync.Mutex
	ticks     []*tickmsg.TickMessage
	errors    []string
	completes []string
	terminals int
}

func (s *recordingSink) OnTick(m *tickmsg.TickMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, m)
}

func (s *recordingSink) OnError(code, message string, recoverable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, code)
	if !recoverable {
		s.terminals++
	}
}

func (s *recordingSink) OnComplete(reason string, totalTicks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, reason)
	s.terminals++
}

type recordingStore struct {
	mu     sync.Mutex
	stored []*tickmsg.TickMessage
}

func (s *recordingStore) Store(m *tickmsg.TickMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, m)
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func tick(cid int64, rid int32, ts int64) *tickmsg.TickMessage {
	return tickmsg.NewMidPoint(cid, ts, 100.5, rid)
}

func TestRouteTickDeliversAndStores(t *testing.T) {
	store := &recordingStore{}
	r := New(store, true)
	sink := &recordingSink{}

	h := NewHandler(1001, 265598, tickmsg.TickTypeMidPoint, "sid", 0, time.Time{}, sink)
	require.NoError(t, r.Register(h))

	assert.True(t, r.RouteTick(1001, tick(265598, 1001, 1722500000)))
	assert.Len(t, sink.ticks, 1)
	assert.Equal(t, 1, store.count())

	// unknown request id: not delivered, not stored
	assert.False(t, r.RouteTick(4242, tick(265598, 4242, 1722500001)))
	assert.Equal(t, 1, store.count())
}

func TestStorePolicyClientStreamsDisabled(t *testing.T) {
	store := &recordingStore{}
	r := New(store, false)

	client := NewHandler(1001, 1, tickmsg.TickTypeLast, "c", 0, time.Time{}, &recordingSink{})
	bg := NewHandler(BGBase+1, 2, tickmsg.TickTypeLast, "b", 0, time.Time{}, &recordingSink{})
	require.NoError(t, r.Register(client))
	require.NoError(t, r.Register(bg))

	r.RouteTick(1001, tick(1, 1001, 1722500000))
	assert.Equal(t, 0, store.count(), "client streams must not be stored when disabled")

	r.RouteTick(BGBase+1, tick(2, BGBase+1, 1722500000))
	assert.Equal(t, 1, store.count(), "background streams are always stored")
}

func TestDuplicateRegisterIsError(t *testing.T) {
	r := New(nil, true)
	h := NewHandler(7, 1, tickmsg.TickTypeLast, "s", 0, time.Time{}, &recordingSink{})
	require.NoError(t, r.Register(h))
	assert.Error(t, r.Register(h))

	r.Unregister(7)
	r.Unregister(7) // idempotent
	assert.NoError(t, r.Register(h))
}

func TestLimitBoundary(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	h := NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 3, time.Time{}, sink)
	require.NoError(t, r.Register(h))

	for i := 0; i < 5; i++ {
		r.RouteTick(1001, tick(1, 1001, int64(1722500000+i)))
	}

	// exactly N ticks delivered, then one terminal, then nothing
	assert.Len(t, sink.ticks, 3)
	assert.Equal(t, []string{ReasonLimitReached}, sink.completes)
	assert.Equal(t, 1, sink.terminals)
	assert.Equal(t, 0, r.Count(), "handler auto-unregisters after terminal")
}

func TestLimitNotReachedEarly(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	h := NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 4, time.Time{}, sink)
	require.NoError(t, r.Register(h))

	for i := 0; i < 3; i++ {
		r.RouteTick(1001, tick(1, 1001, int64(1722500000+i)))
	}
	assert.Empty(t, sink.completes, "limit=N+1 must not terminate after N ticks")
	assert.Equal(t, 1, r.Count())
}

func TestDeadlineTimeout(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	h := NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 0, time.Now().Add(-time.Second), sink)
	require.NoError(t, r.Register(h))

	r.RouteTick(1001, tick(1, 1001, 1722500000))
	assert.Equal(t, []string{ReasonTimeout}, sink.completes)
	assert.Len(t, sink.ticks, 1, "the tick that trips the deadline is still delivered")
}

func TestAtMostOneTerminal(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	h := NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 1, time.Time{}, sink)
	require.NoError(t, r.Register(h))

	r.RouteTick(1001, tick(1, 1001, 1722500000))
	// all of these race in after the terminal; none may emit again
	h.Complete(ReasonManualStop)
	h.Fail(CodeInternalError, "late")
	h.SendError(CodeUpstreamWarning, "late")

	assert.Equal(t, 1, sink.terminals)
	assert.Equal(t, []string{ReasonLimitReached}, sink.completes)
	assert.Empty(t, sink.errors)
}

func TestNoCrossTalk(t *testing.T) {
	r := New(nil, true)
	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 1, tickmsg.TickTypeLast, "a", 0, time.Time{}, sink1)))
	require.NoError(t, r.Register(NewHandler(1002, 2, tickmsg.TickTypeLast, "b", 0, time.Time{}, sink2)))

	for i := 0; i < 10; i++ {
		r.RouteTick(1001, tick(1, 1001, int64(1722500000+i)))
	}
	r.RouteTick(1002, tick(2, 1002, 1722500100))

	assert.Len(t, sink1.ticks, 10)
	assert.Len(t, sink2.ticks, 1)
	for _, m := range sink1.ticks {
		assert.Equal(t, int32(1001), m.RID)
	}
	for _, m := range sink2.ticks {
		assert.Equal(t, int32(1002), m.RID)
	}
}

func TestOrderPreservation(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 0, time.Time{}, sink)))

	for i := 0; i < 100; i++ {
		r.RouteTick(1001, tick(1, 1001, int64(1722500000+i)))
	}
	var prev int64
	for _, m := range sink.ticks {
		assert.GreaterOrEqual(t, m.TS, prev)
		prev = m.TS
	}
}

func TestRouteErrorContractNotFound(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 0, time.Time{}, sink)))

	assert.True(t, r.RouteError(1001, 200, "No security definition found"))
	assert.Equal(t, []string{CodeContractNotFound}, sink.errors)
	assert.Equal(t, 1, sink.terminals)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, sink.completes, "a failed handler must not also complete")
}

func TestRouteErrorWarningIsRecoverable(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 0, time.Time{}, sink)))

	assert.True(t, r.RouteError(1001, 10197, "market data halted"))
	assert.Equal(t, []string{CodeUpstreamWarning}, sink.errors)
	assert.Equal(t, 0, sink.terminals)
	assert.Equal(t, 1, r.Count())
}

func TestClientsConnectionLost(t *testing.T) {
	r := New(nil, true)
	sink := &recordingSink{}
	bgSink := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 1, tickmsg.TickTypeLast, "s", 0, time.Time{}, sink)))
	require.NoError(t, r.Register(NewHandler(BGBase+1, 2, tickmsg.TickTypeLast, "b", 0, time.Time{}, bgSink)))

	r.ClientsConnectionLost()
	assert.Equal(t, []string{CodeConnectionError}, sink.errors)
	assert.Equal(t, []string{ReasonError}, sink.completes)
	assert.Empty(t, bgSink.errors, "background handlers belong to their own session")
	assert.Equal(t, 1, r.Count())
}

func TestShutdownCompletesAll(t *testing.T) {
	r := New(nil, true)
	sinks := []*recordingSink{{}, {}, {}}
	for i, s := range sinks {
		require.NoError(t, r.Register(NewHandler(int32(1001+i), int64(i), tickmsg.TickTypeLast, "s", 0, time.Time{}, s)))
	}
	r.Shutdown()
	for _, s := range sinks {
		assert.Equal(t, []string{ReasonServerShutdown}, s.completes)
	}
	assert.Equal(t, 0, r.Count())
}

func TestCancelContractSkipsBackground(t *testing.T) {
	r := New(nil, true)
	client := &recordingSink{}
	bg := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(1001, 99, tickmsg.TickTypeLast, "c", 0, time.Time{}, client)))
	require.NoError(t, r.Register(NewHandler(BGBase+5, 99, tickmsg.TickTypeLast, "b", 0, time.Time{}, bg)))

	assert.Equal(t, 1, r.CancelContract(99))
	assert.Equal(t, []string{ReasonManualStop}, client.completes)
	assert.Empty(t, bg.completes)
	assert.Equal(t, 1, r.Count())
}

func TestReleaseBackgroundEmitsNothing(t *testing.T) {
	r := New(nil, true)
	bg := &recordingSink{}
	require.NoError(t, r.Register(NewHandler(BGBase+1, 1, tickmsg.TickTypeLast, "b", 0, time.Time{}, bg)))

	assert.Equal(t, 1, r.ReleaseBackground())
	assert.Empty(t, bg.completes)
	assert.Empty(t, bg.errors)
	assert.Equal(t, 0, r.Count())
}

func TestNextClientRequestIDStaysBelowBGBase(t *testing.T) {
	for i := 0; i < 100_000; i++ {
		id := NextClientRequestID()
		require.GreaterOrEqual(t, id, clientReqIDBase)
		require.Less(t, id, BGBase)
	}
}
