package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsvirk/ibstreamapi/metrics"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

const (
	writeQueueSize = 10_000
	writeBatchSize = 100
	flushInterval  = time.Second
)

// MultiStorage fans every stored tick out to all registered writers through
// one bounded queue per writer. A dedicated worker drains each queue; the
// producer never blocks.
type MultiStorage struct {
	writers   []Writer
	queues    map[string]chan *tickmsg.TickMessage
	dropped   map[string]*atomic.Int64
	publisher *RedisPublisher

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped atomic.Bool
}

func NewMultiStorage(writers ...Writer) *MultiStorage {
	s := &MultiStorage{
		writers: writers,
		queues:  make(map[string]chan *tickmsg.TickMessage, len(writers)),
		dropped: make(map[string]*atomic.Int64, len(writers)),
		stopCh:  make(chan struct{}),
	}
	for _, w := range writers {
		s.queues[w.Name()] = make(chan *tickmsg.TickMessage, writeQueueSize)
		s.dropped[w.Name()] = &atomic.Int64{}
	}
	return s
}

// SetPublisher attaches an optional side-channel publisher fed alongside the
// writers.
func (s *MultiStorage) SetPublisher(p *RedisPublisher) { s.publisher = p }

// Start creates writer roots and launches one drain worker per writer.
func (s *MultiStorage) Start() error {
	for _, w := range s.writers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start %s writer: %w", w.Name(), err)
		}
		s.wg.Add(1)
		go s.drain(w, s.queues[w.Name()])
	}
	if s.publisher != nil {
		s.publisher.Start()
	}
	zaplogger.Info("storage: started", zaplogger.Fields{"writers": len(s.writers)})
	return nil
}

// Stop flushes what the workers already hold and shuts the writers down.
func (s *MultiStorage) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	for _, w := range s.writers {
		if err := w.Stop(); err != nil {
			zaplogger.Warn("storage: writer stop failed", zaplogger.Fields{"writer": w.Name(), "error": err})
		}
	}
	if s.publisher != nil {
		s.publisher.Stop()
	}
}

// Store enqueues the message for every writer. When a queue is full the
// newest message is dropped and counted; the caller is never blocked.
func (s *MultiStorage) Store(m *tickmsg.TickMessage) {
	if s.stopped.Load() {
		return
	}
	for name, q := range s.queues {
		select {
		case q <- m:
		default:
			s.dropped[name].Add(1)
			metrics.StorageDropped.WithLabelValues(name).Inc()
		}
	}
	if s.publisher != nil {
		s.publisher.Publish(m)
	}
}

// DroppedCount reports the running drop counter for one writer.
func (s *MultiStorage) DroppedCount(name string) int64 {
	if c, ok := s.dropped[name]; ok {
		return c.Load()
	}
	return 0
}

// drain accumulates up to writeBatchSize messages or flushInterval,
// whichever comes first, then hands the batch to the writer. This is the
// only task that blocks on disk for its writer.
func (s *MultiStorage) drain(w Writer, q chan *tickmsg.TickMessage) {
	defer s.wg.Done()

	batch := make([]*tickmsg.TickMessage, 0, writeBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteBatch(batch); err != nil {
			// storage is a side effect: log, count, never propagate
			zaplogger.Error("storage: batch write failed", zaplogger.Fields{"writer": w.Name(), "messages": len(batch), "error": err})
			metrics.StorageErrors.WithLabelValues(w.Name()).Inc()
		} else {
			metrics.StorageWritten.WithLabelValues(w.Name()).Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case m := <-q:
			batch = append(batch, m)
			if len(batch) >= writeBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// drain whatever is still queued, then flush once
			for {
				select {
				case m := <-q:
					batch = append(batch, m)
					if len(batch) >= writeBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Query delegates to the preferred writer, falling back to the others in
// registration order on error. Results are not deduplicated; the preferred
// writer is authoritative.
func (s *MultiStorage) Query(ctx context.Context, preferred string, contractID int64, tickTypes []tickmsg.TickType, start, end time.Time, limit int) ([]*tickmsg.TickMessage, error) {
	ordered := make([]Writer, 0, len(s.writers))
	for _, w := range s.writers {
		if w.Name() == preferred {
			ordered = append([]Writer{w}, ordered...)
		} else {
			ordered = append(ordered, w)
		}
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("no storage writers configured")
	}

	var lastErr error
	for _, w := range ordered {
		msgs, err := w.QueryRange(ctx, contractID, tickTypes, start, end, limit)
		if err == nil {
			return msgs, nil
		}
		lastErr = err
		zaplogger.Warn("storage: query failed, trying next writer", zaplogger.Fields{"writer": w.Name(), "error": err})
	}
	return nil, lastErr
}

// Writer returns the named writer, if registered.
func (s *MultiStorage) Writer(name string) (Writer, bool) {
	for _, w := range s.writers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// WriterNames lists registered writers in order.
func (s *MultiStorage) WriterNames() []string {
	names := make([]string, len(s.writers))
	for i, w := range s.writers {
		names[i] = w.Name()
	}
	return names
}

// AllStats reports the footprint of every stats-capable writer.
func (s *MultiStorage) AllStats() []*Stats {
	var out []*Stats
	for _, w := range s.writers {
		if sp, ok := w.(StatsProvider); ok {
			if st, err := sp.Stats(); err == nil {
				out = append(out, st)
			}
		}
	}
	return out
}
