package cache

import (
	"context"
	"sync"
	"time"
)

// Monitor periodically samples fast-tier usage, raises rate-limited
// alerts and invokes pressure handling. One monitor runs per manager.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewMonitor creates a monitor sampling every interval (default 30s).
func NewMonitor(manager *Manager, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. Call Stop to end it. A second Start
// is a no-op.
func (mon *Monitor) Start(ctx context.Context) {
	mon.mu.Lock()
	if mon.started {
		mon.mu.Unlock()
		return
	}
	mon.started = true
	mon.mu.Unlock()

	go func() {
		defer close(mon.done)
		ticker := time.NewTicker(mon.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-mon.stop:
				return
			case <-ticker.C:
				mon.sample(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit. Safe to call
// repeatedly, concurrently, and before Start.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	if !mon.stopped {
		mon.stopped = true
		close(mon.stop)
	}
	started := mon.started
	mon.mu.Unlock()

	if started {
		<-mon.done
	}
}

// sample reads usage once, alerts if needed and delegates to pressure
// handling. Critical alerts share the manager's cooldown timestamp so
// concurrent samplers cannot storm the log.
func (mon *Monitor) sample(ctx context.Context) {
	m := mon.manager
	usage := m.Usage()
	m.metrics.SetUsageRatio(ctx, usage)

	switch {
	case usage >= m.critical:
		if m.allowCriticalAlert(time.Now()) {
			m.logger.Error("fast tier usage critical", "usage", usage, "threshold", m.critical)
			m.metrics.RecordPressure(ctx, "critical_alert")
		}
	case usage >= m.warning:
		m.logger.Warn("fast tier usage elevated", "usage", usage, "threshold", m.warning)
	default:
		return
	}

	if err := m.HandlePressure(ctx); err != nil {
		m.logger.Error("pressure handling failed", "error", err)
	}
}
