package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Timer runs PerformHealthCheck on an interval.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a health check loop. A non-positive interval defaults to
// one minute.
func NewTimer(m *Monitor, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{monitor: m, interval: interval, stop: make(chan struct{})}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCheck(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.monitor.logger.Error("panic in monitor timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.monitor.PerformHealthCheck(ctx); err != nil {
		t.monitor.logger.Warn("health check failed", "error", err)
	}
}
