package agent

import (
	"sync"

	"github.com/coachpo/tranche/internal/domain/action"
)

// Outbox collects the actions agents queued while handling one event. The
// strategy drains it after every dispatch and forwards the actions to execution.
type Outbox struct {
	mu    sync.Mutex
	items []*action.Handle
}

// Push appends a queued action.
func (o *Outbox) Push(h *action.Handle) {
	o.mu.Lock()
	o.items = append(o.items, h)
	o.mu.Unlock()
}

// Drain returns and clears the queued actions.
func (o *Outbox) Drain() []*action.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}

// Len returns the number of queued actions.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
