package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsvirk/ibstreamapi/protocol"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

// Upstream is the session surface client subscriptions need.
type Upstream interface {
	IsConnected() bool
	RequestTickStream(reqID int32, contract upstream.Contract, tickType tickmsg.TickType) error
	CancelTickStream(reqID int32)
}

// Service opens and tears down client subscriptions against the
// interactive upstream session.
type Service struct {
	router  *router.Router
	session Upstream

	maxStreams     int
	defaultTimeout time.Duration

	mu     sync.Mutex
	active map[string]*ClientStream
	count  atomic.Int32
}

func NewService(r *router.Router, session Upstream, maxStreams int, defaultTimeout time.Duration) *Service {
	return &Service{
		router:         r,
		session:        session,
		maxStreams:     maxStreams,
		defaultTimeout: defaultTimeout,
		active:         make(map[string]*ClientStream),
	}
}

// ClientStream is one open subscription: one subscriber queue fed by one
// handler per requested tick type.
type ClientStream struct {
	StreamID   string
	ContractID int64
	TickTypes  []tickmsg.TickType
	Deadline   time.Time

	queue      *protocol.Queue
	sink       *streamSink
	requestIDs []int32

	svc       *Service
	closeOnce sync.Once
}

// Queue exposes the outbound message queue for the transport pump.
func (cs *ClientStream) Queue() *protocol.Queue { return cs.queue }

// Terminated reports whether the stream already emitted its terminal event.
func (cs *ClientStream) Terminated() bool { return cs.sink.Terminated() }

var errTooManyStreams = fmt.Errorf("maximum concurrent streams reached")

// IsTooManyStreams reports whether err is the concurrency-cap rejection.
func IsTooManyStreams(err error) bool { return err == errTooManyStreams }

// Open subscribes to live ticks for a contract. buffering controls whether
// live ticks are held for historical splicing until FlushBuffered.
func (s *Service) Open(p *Params, buffering bool) (*ClientStream, error) {
	if len(p.TickTypes) == 0 {
		return nil, fmt.Errorf("no tick types requested")
	}
	if !s.session.IsConnected() {
		return nil, fmt.Errorf("upstream session is not connected")
	}
	if int(s.count.Load()) >= s.maxStreams {
		return nil, errTooManyStreams
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var streamID string
	if len(p.TickTypes) == 1 {
		streamID = tickmsg.GenerateStreamID(p.ContractID, p.TickTypes[0])
	} else {
		streamID = tickmsg.GenerateMultiStreamID(p.ContractID, p.TickTypes)
	}

	queue := protocol.NewQueue(protocol.DefaultQueueSize)
	sink := newStreamSink(streamID, queue, p.Limit, buffering)

	cs := &ClientStream{
		StreamID:   streamID,
		ContractID: p.ContractID,
		TickTypes:  p.TickTypes,
		Deadline:   deadline,
		queue:      queue,
		sink:       sink,
		svc:        s,
	}
	sink.onTerminal = cs.releaseUpstream

	// resolution by contract id alone; upstream resolves the rest
	contract := upstream.Contract{ConID: p.ContractID, Exchange: "SMART"}

	for _, tt := range p.TickTypes {
		reqID, err := s.registerHandler(cs, tt, sink)
		if err != nil {
			cs.Close(router.ReasonError)
			return nil, err
		}
		if err := s.session.RequestTickStream(reqID, contract, tt); err != nil {
			s.router.Unregister(reqID)
			cs.Close(router.ReasonError)
			return nil, err
		}
		cs.requestIDs = append(cs.requestIDs, reqID)
	}

	s.mu.Lock()
	s.active[streamID] = cs
	s.mu.Unlock()
	s.count.Add(1)

	zaplogger.Debug("stream: opened", zaplogger.Fields{
		"stream_id": streamID, "contract_id": p.ContractID, "tick_types": len(p.TickTypes),
	})
	return cs, nil
}

// registerHandler allocates a request id, retrying on the rare wrap-around
// collision.
func (s *Service) registerHandler(cs *ClientStream, tt tickmsg.TickType, sink *streamSink) (int32, error) {
	for attempt := 0; attempt < 8; attempt++ {
		reqID := router.NextClientRequestID()
		// the sink owns limit and terminal dedup across the stream's handlers
		h := router.NewHandler(reqID, cs.ContractID, tt, cs.StreamID, 0, cs.Deadline, sink)
		if err := s.router.Register(h); err == nil {
			return reqID, nil
		}
	}
	return 0, fmt.Errorf("could not allocate a request id")
}

// FlushBuffered splices buffered live ticks after historical replay.
func (cs *ClientStream) FlushBuffered() { cs.sink.FlushBuffered() }

// StopWithReason drives every handler terminal (the sink dedupes to one
// terminal message) and releases upstream subscriptions.
func (cs *ClientStream) StopWithReason(reason string) {
	for _, reqID := range cs.requestIDs {
		cs.svc.router.Terminate(reqID, reason)
	}
	if !cs.sink.Terminated() {
		cs.sink.OnComplete(reason, cs.sink.TickCount())
	}
	cs.Close(reason)
}

// Close releases bookkeeping without emitting events; used after the
// terminal message is already queued.
func (cs *ClientStream) Close(reason string) {
	cs.closeOnce.Do(func() {
		cs.releaseUpstream()
		cs.svc.mu.Lock()
		if _, ok := cs.svc.active[cs.StreamID]; ok {
			delete(cs.svc.active, cs.StreamID)
			cs.svc.count.Add(-1)
		}
		cs.svc.mu.Unlock()
		cs.queue.Close()
		zaplogger.Debug("stream: closed", zaplogger.Fields{"stream_id": cs.StreamID, "reason": reason})
	})
}

func (cs *ClientStream) releaseUpstream() {
	for _, reqID := range cs.requestIDs {
		cs.svc.session.CancelTickStream(reqID)
		cs.svc.router.Unregister(reqID)
	}
}

// ActiveCount reports open client streams.
func (s *Service) ActiveCount() int { return int(s.count.Load()) }
