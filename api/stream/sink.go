package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsvirk/ibstreamapi/protocol"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// liveOverflowCap bounds the live ticks buffered per subscriber while
// historical replay is in flight.
const liveOverflowCap = 1000

// streamSink fans one subscription's events into the subscriber queue. A
// multi-tick-type stream shares one sink across its handlers, so the limit
// and the terminal event are enforced across the whole subscription.
type streamSink struct {
	streamID string
	queue    *protocol.Queue
	limit    int // 0 = unlimited
	start    time.Time

	buffering atomic.Bool
	bufMu     sync.Mutex
	buffered  []*tickmsg.TickMessage

	count      atomic.Int32
	terminated atomic.Bool

	// onTerminal releases upstream resources exactly once.
	onTerminal func()
}

func newStreamSink(streamID string, queue *protocol.Queue, limit int, buffering bool) *streamSink {
	s := &streamSink{
		streamID: streamID,
		queue:    queue,
		limit:    limit,
		start:    time.Now(),
	}
	s.buffering.Store(buffering)
	return s
}

func (s *streamSink) OnTick(m *tickmsg.TickMessage) {
	if s.terminated.Load() {
		return
	}

	if s.buffering.Load() {
		s.bufMu.Lock()
		// recheck under the lock: FlushBuffered flips the mode while
		// holding it
		if s.buffering.Load() {
			if len(s.buffered) >= liveOverflowCap {
				s.bufMu.Unlock()
				s.terminal(protocol.Error(s.streamID, protocol.CodeBufferOverflow, "live overflow queue full during historical replay", false))
				return
			}
			s.buffered = append(s.buffered, m)
			s.bufMu.Unlock()
			return
		}
		s.bufMu.Unlock()
	}

	s.deliverLive(m)
}

func (s *streamSink) deliverLive(m *tickmsg.TickMessage) {
	n := int(s.count.Add(1))
	if s.limit > 0 && n > s.limit {
		return
	}
	s.queue.Push(protocol.Tick(s.streamID, m, false, 0, 0))
	if s.limit > 0 && n == s.limit {
		s.terminal(protocol.Complete(s.streamID, router.ReasonLimitReached, n, time.Since(s.start)))
	}
}

// FlushBuffered replays live ticks queued during historical replay and
// switches the sink to live delivery.
func (s *streamSink) FlushBuffered() {
	for {
		s.bufMu.Lock()
		if len(s.buffered) == 0 {
			s.buffering.Store(false)
			s.bufMu.Unlock()
			return
		}
		buffered := s.buffered
		s.buffered = nil
		s.bufMu.Unlock()

		for _, m := range buffered {
			if s.terminated.Load() {
				return
			}
			s.deliverLive(m)
		}
	}
}

func (s *streamSink) OnError(code, message string, recoverable bool) {
	if s.terminated.Load() {
		return
	}
	if recoverable {
		s.queue.Push(protocol.Error(s.streamID, code, message, true))
		return
	}
	s.terminal(protocol.Error(s.streamID, code, message, false))
}

func (s *streamSink) OnComplete(reason string, totalTicks int) {
	s.terminal(protocol.Complete(s.streamID, reason, int(s.count.Load()), time.Since(s.start)))
}

// terminal pushes the stream's single terminal message.
func (s *streamSink) terminal(msg *protocol.Message) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.queue.Push(msg)
	if s.onTerminal != nil {
		s.onTerminal()
	}
}

// Terminated reports whether the terminal event was emitted.
func (s *streamSink) Terminated() bool { return s.terminated.Load() }

// TickCount reports live ticks delivered.
func (s *streamSink) TickCount() int { return int(s.count.Load()) }
