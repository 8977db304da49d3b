package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// RedisChannel is the pub/sub channel live ticks are mirrored to.
var RedisChannel = "CH:IBSTREAM:TICKS"

// RedisPublisher mirrors stored ticks to a Redis channel through its own
// bounded queue, with the same drop-newest discipline as the writers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	queue   chan *tickmsg.TickMessage
	dropped atomic.Int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: RedisChannel,
		queue:   make(chan *tickmsg.TickMessage, writeQueueSize),
		stopCh:  make(chan struct{}),
	}
}

func (p *RedisPublisher) Start() {
	p.wg.Add(1)
	go p.run()
	zaplogger.Info("storage: redis publisher started", zaplogger.Fields{"channel": p.channel})
}

func (p *RedisPublisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Publish enqueues without blocking; a full queue drops the newest message.
func (p *RedisPublisher) Publish(m *tickmsg.TickMessage) {
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
	}
}

func (p *RedisPublisher) DroppedCount() int64 { return p.dropped.Load() }

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		select {
		case m := <-p.queue:
			line, err := m.MarshalJSONL()
			if err != nil {
				continue
			}
			if err := p.client.Publish(ctx, p.channel, line).Err(); err != nil {
				zaplogger.Error("storage: redis publish failed", zaplogger.Fields{"channel": p.channel, "error": err})
			}
		case <-p.stopCh:
			return
		}
	}
}
