// Package collectors holds the event sources attached to the engine.
package collectors

import (
	"context"
	"time"

	"github.com/coachpo/tranche/internal/domain/events"
)

// DefaultHeartbeatPeriod is the logical clock period.
const DefaultHeartbeatPeriod = time.Second

// Heartbeat emits the shared logical clock.
type Heartbeat struct {
	period time.Duration
	clock  func() time.Time
}

// NewHeartbeat returns a heartbeat collector ticking every period.
func NewHeartbeat(period time.Duration) *Heartbeat {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	return &Heartbeat{period: period, clock: time.Now}
}

// Name implements engine.Collector.
func (h *Heartbeat) Name() string { return "heartbeat" }

// Events implements engine.Collector.
func (h *Heartbeat) Events(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(h.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evt := events.Heartbeat{Period: h.period, EmittedAt: h.clock()}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
