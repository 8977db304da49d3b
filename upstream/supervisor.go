package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsvirk/ibstreamapi/shared/tasks"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

const (
	pollInterval      = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// backoffDelay computes the reconnect delay for a consecutive-failure
// count: min(max, 5 + 2*failures) seconds.
func backoffDelay(failures int) time.Duration {
	d := time.Duration(5+2*failures) * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Supervisor keeps one connection alive: it polls liveness, reconnects with
// backoff, and reports transitions to its hooks.
type Supervisor struct {
	Name    string
	Conn    *Connection
	Host    string
	Ports   []int
	Timeout time.Duration

	// OnUp fires after each successful (re)connect; OnDown after each
	// connected→disconnected transition.
	OnUp   func()
	OnDown func(failures int)

	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	failures    int
	wasUp       bool
	lastAttempt time.Time
}

func (s *Supervisor) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tasks.Supervise(s.Name, s.running.Load, s.loop)
	}()
}

func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.Conn.Disconnect()
}

// Failures returns the consecutive reconnect-failure count.
func (s *Supervisor) Failures() int { return s.failures }

func (s *Supervisor) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Supervisor) step() {
	up := s.Conn.IsConnected()

	if s.wasUp && !up {
		s.failures++
		zaplogger.Warn("supervisor: connection lost", zaplogger.Fields{"name": s.Name, "failures": s.failures})
		if s.OnDown != nil {
			s.OnDown(s.failures)
		}
	}
	s.wasUp = up
	if up {
		return
	}

	if time.Since(s.lastAttempt) < backoffDelay(s.failures) {
		return
	}
	s.lastAttempt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout+5*time.Second)
	err := s.Conn.Connect(ctx, s.Host, s.Ports, s.Timeout)
	cancel()
	if err != nil {
		s.failures++
		zaplogger.Warn("supervisor: reconnect failed", zaplogger.Fields{"name": s.Name, "failures": s.failures, "error": err})
		return
	}

	s.failures = 0
	s.wasUp = true
	if s.OnUp != nil {
		s.OnUp()
	}
}
