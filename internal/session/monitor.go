package session

import (
	"sync"
	"time"
)

// Monitor polls a session's utterance timing on a fixed interval and
// triggers finalization when the silence or max-utterance threshold is
// crossed. Detection latency is bounded by the poll interval.
type Monitor struct {
	session  *Session
	interval time.Duration

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	startOne sync.Once
}

// NewMonitor creates a monitor for the session. It does not start ticking
// until Start is called.
func NewMonitor(s *Session, interval time.Duration) *Monitor {
	return &Monitor{
		session:  s,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the polling goroutine. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	m.startOne.Do(func() {
		go m.run()
	})
}

func (m *Monitor) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.session.checkUtterance(now)
		}
	}
}

// Stop halts the monitor and blocks until the polling goroutine has
// exited, so callers can free session resources afterwards without a tick
// racing them. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.startOne.Do(func() {
		// Never started; nothing will close stopped.
		close(m.stopped)
	})
	<-m.stopped
}
