package connectivity

import (
	"context"
	"sync"
	"time"
)

// Prober answers whether the backend is reachable right now.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor tracks backend reachability. Drain passes are gated on Online so
// the queue never burns retry budget while the site uplink is down, and the
// Regained channel fires a drain the moment connectivity comes back.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	online   bool
	regained chan struct{}
}

// NewMonitor builds a monitor that probes at the given interval. The monitor
// starts offline; the first successful probe counts as a regained signal,
// which kicks an initial drain on clean startup.
func NewMonitor(p Prober, interval time.Duration) *Monitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		timeout:  10 * time.Second,
		regained: make(chan struct{}, 1),
	}
}

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and returns the resulting online state.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Health(probeCtx)
	cancel()

	m.mu.Lock()
	was := m.online
	m.online = err == nil
	now := m.online
	m.mu.Unlock()

	if now && !was {
		select {
		case m.regained <- struct{}{}:
		default:
		}
	}
	return now
}

// Online reports the last observed state without probing.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Regained delivers one signal per offline-to-online transition.
func (m *Monitor) Regained() <-chan struct{} {
	return m.regained
}
