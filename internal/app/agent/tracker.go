// Package agent implements the retryable per-wallet state machine that every
// trading strategy composes.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
)

const (
	// DefaultTimeoutHeartbeats is how many heartbeats a working state waits for a receipt.
	DefaultTimeoutHeartbeats = 200
	// DefaultMaxRetries is the retry budget of one working state.
	DefaultMaxRetries = 2
	// DefaultRetryDelay is the pause before a retried action is queued.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Config holds the retry and timeout policy shared by every agent.
type Config struct {
	TimeoutHeartbeats int
	MaxRetries        int
	RetryDelay        time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		TimeoutHeartbeats: DefaultTimeoutHeartbeats,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
	}
}

func (c Config) normalize() Config {
	if c.TimeoutHeartbeats <= 0 {
		c.TimeoutHeartbeats = DefaultTimeoutHeartbeats
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// NextRetry returns the retry counter after a failure at retry and whether the
// budget still allows it.
func (c Config) NextRetry(retry int) (int, bool) {
	next := retry + 1
	return next, next <= c.MaxRetries
}

// Registrar is the part of the action registry agents need.
type Registrar interface {
	Register(a *action.Action) *action.Handle
	Get(id uuid.UUID) (*action.Handle, bool)
}

// Countdown counts heartbeats towards a limit. A zero limit means disarmed.
type Countdown struct {
	limit int
	ticks int
}

// Start arms the countdown for limit heartbeats.
func (c *Countdown) Start(limit int) {
	c.limit = limit
	c.ticks = 0
}

// Stop disarms the countdown.
func (c *Countdown) Stop() {
	c.limit = 0
	c.ticks = 0
}

// Armed reports whether the countdown is running.
func (c *Countdown) Armed() bool { return c.limit > 0 }

// Tick advances the countdown and reports whether the limit was reached.
func (c *Countdown) Tick() bool {
	if c.limit <= 0 {
		return false
	}
	c.ticks++
	return c.ticks >= c.limit
}

// Elapsed returns the heartbeats counted since Start.
func (c *Countdown) Elapsed() int { return c.ticks }

// Remaining returns the heartbeats left before the limit.
func (c *Countdown) Remaining() int { return c.limit - c.ticks }

// Verdict is the tracker's reading of an event.
type Verdict uint8

const (
	// Pass means the event does not settle the in-flight action.
	Pass Verdict = iota
	// Confirmed means the ledger confirmed the in-flight action.
	Confirmed
	// Failed means the in-flight action failed or timed out.
	Failed
)

// Observation is the result of feeding one event to a Tracker.
type Observation struct {
	Verdict  Verdict
	TimedOut bool
	Reason   string
	// Heartbeats is the number of heartbeats the settled action waited.
	Heartbeats int
}

// Tracker is the in-flight bookkeeping of one agent: at most one action in
// flight, and a heartbeat timeout armed whenever one is queued.
type Tracker struct {
	cfg      Config
	registry Registrar
	outbox   *Outbox
	clock    func() time.Time

	inFlight    uuid.UUID
	hasInFlight bool
	timeout     Countdown
}

// NewTracker binds a tracker to the shared registry and the strategy outbox.
func NewTracker(cfg Config, registry Registrar, outbox *Outbox) *Tracker {
	return &Tracker{
		cfg:      cfg.normalize(),
		registry: registry,
		outbox:   outbox,
		clock:    time.Now,
	}
}

// Config returns the normalized policy.
func (t *Tracker) Config() Config { return t.cfg }

// Now returns the tracker clock.
func (t *Tracker) Now() time.Time { return t.clock() }

// Queue is the only way an agent emits work: it marks a in flight, restarts
// the timeout, registers it and appends the shared handle to the outbox.
func (t *Tracker) Queue(a *action.Action) *action.Handle {
	t.inFlight = a.ID
	t.hasInFlight = true
	t.timeout.Start(t.cfg.TimeoutHeartbeats)
	h := t.registry.Register(a)
	t.outbox.Push(h)
	return h
}

// InFlight returns the identifier currently awaited.
func (t *Tracker) InFlight() (uuid.UUID, bool) {
	return t.inFlight, t.hasInFlight
}

// Clear forgets the in-flight action and disarms the timeout.
func (t *Tracker) Clear() {
	t.inFlight = uuid.Nil
	t.hasInFlight = false
	t.timeout.Stop()
}

// Observe applies the three working-state rules in precedence order:
// execution results, ledger receipts, then heartbeat timeouts.
func (t *Tracker) Observe(evt events.Event) Observation {
	switch e := evt.(type) {
	case events.ExecutionResult:
		if !t.tracks(e.ActionID) || e.Outcome.IsSent() {
			return Observation{Verdict: Pass}
		}
		obs := Observation{Verdict: Failed, Reason: "execution error: " + e.Outcome.String(), Heartbeats: t.timeout.Elapsed()}
		t.Clear()
		return obs
	case events.ExecutionReceipt:
		if !t.tracks(e.ActionID) {
			return Observation{Verdict: Pass}
		}
		obs := Observation{Verdict: Confirmed, Heartbeats: t.timeout.Elapsed()}
		if e.Err != nil {
			obs.Verdict = Failed
			obs.Reason = "receipt error: " + e.Err.String()
		}
		t.Clear()
		return obs
	case events.Heartbeat:
		if !t.hasInFlight || !t.timeout.Tick() {
			return Observation{Verdict: Pass}
		}
		obs := Observation{Verdict: Failed, TimedOut: true, Reason: "action timeout", Heartbeats: t.timeout.Elapsed()}
		if h, ok := t.registry.Get(t.inFlight); ok {
			h.MarkTimeout()
		}
		t.Clear()
		return obs
	default:
		return Observation{Verdict: Pass}
	}
}

func (t *Tracker) tracks(id uuid.UUID) bool {
	return t.hasInFlight && t.inFlight == id
}

// Pause waits out the retry delay before a retried action unless ctx ends first.
func (t *Tracker) Pause(ctx context.Context, retry int) {
	if retry == 0 || t.cfg.RetryDelay <= 0 {
		return
	}
	timer := time.NewTimer(t.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
