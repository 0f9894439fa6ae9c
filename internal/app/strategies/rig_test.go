package strategies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/app/registry"
	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/infra/persistence/memory"
)

type fakeBalances struct {
	mu      sync.Mutex
	sol     map[ledger.PublicKey]uint64
	tokens  map[ledger.PublicKey]uint64
	watched map[ledger.PublicKey]int
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{
		sol:     make(map[ledger.PublicKey]uint64),
		tokens:  make(map[ledger.PublicKey]uint64),
		watched: make(map[ledger.PublicKey]int),
	}
}

func (f *fakeBalances) SOL(owner ledger.PublicKey) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sol[owner]
}

func (f *fakeBalances) Token(owner, _ ledger.PublicKey) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[owner]
}

func (f *fakeBalances) Watch(owner, _ ledger.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[owner]++
}

func (f *fakeBalances) Unwatch(owner, _ ledger.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[owner]--
}

func (f *fakeBalances) set(owner ledger.PublicKey, sol, tokens uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sol[owner] = sol
	f.tokens[owner] = tokens
}

func (f *fakeBalances) watching(owner ledger.PublicKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[owner]
}

type rig struct {
	t        *testing.T
	ctx      context.Context
	deps     Deps
	balances *fakeBalances
	wallets  *memory.WalletStore
	now      time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		t:        t,
		ctx:      context.Background(),
		balances: newFakeBalances(),
		wallets:  memory.NewWalletStore(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	r.deps = Deps{
		Registry: registry.New(1024),
		Balances: r.balances,
		Wallets:  r.wallets,
		Agent:    agent.Config{TimeoutHeartbeats: 10, MaxRetries: 0},
		Logger:   agent.NewDiscardLogger(),
		Clock:    func() time.Time { return r.now },
	}
	return r
}

func (r *rig) keypair() ledger.Keypair {
	r.t.Helper()
	k, err := ledger.NewKeypair()
	if err != nil {
		r.t.Fatalf("NewKeypair: %v", err)
	}
	return k
}

func testPool() ledger.Pool {
	return ledger.Pool{ID: ledger.PublicKey{9}, BaseMint: ledger.PublicKey{8}, QuoteMint: ledger.WrappedSOLMint, BaseDecimals: 6}
}

func (r *rig) feed(s strategy.Strategy, evt events.Event) []*action.Handle {
	return s.ProcessEvent(r.ctx, evt)
}

func (r *rig) heartbeat(s strategy.Strategy) []*action.Handle {
	return r.feed(s, events.Heartbeat{Period: time.Second, EmittedAt: r.now})
}

// confirm delivers a successful receipt for every handle, one event each, and
// returns everything the strategy produced in response.
func (r *rig) confirm(s strategy.Strategy, handles []*action.Handle) []*action.Handle {
	var out []*action.Handle
	for _, h := range handles {
		out = append(out, r.feed(s, events.ExecutionReceipt{ActionID: h.ID(), TxID: "sig-" + h.ID().String(), ObservedAt: r.now})...)
	}
	return out
}

func (r *rig) reject(s strategy.Strategy, h *action.Handle) []*action.Handle {
	return r.feed(s, events.ExecutionResult{ActionID: h.ID(), Action: h, Outcome: events.Failed(action.Other("boom"))})
}

func expectCount(t *testing.T, handles []*action.Handle, want int) {
	t.Helper()
	if len(handles) != want {
		t.Fatalf("expected %d actions, got %d", want, len(handles))
	}
}

func expectDetail(t *testing.T, s strategy.Strategy, key, want string) {
	t.Helper()
	if got := s.Status().Details[key]; got != want {
		t.Fatalf("expected %s=%q, got %q", key, want, got)
	}
}

func swapOf(t *testing.T, h *action.Handle) action.Swap {
	t.Helper()
	steps := h.Snapshot().Steps
	if len(steps) != 1 {
		t.Fatalf("expected a single swap step, got %d steps", len(steps))
	}
	sw, ok := steps[0].(action.Swap)
	if !ok {
		t.Fatalf("expected swap step, got %T", steps[0])
	}
	return sw
}

func transfersOf(t *testing.T, h *action.Handle) []action.Transfer {
	t.Helper()
	var out []action.Transfer
	for _, step := range h.Snapshot().Steps {
		tr, ok := step.(action.Transfer)
		if !ok {
			t.Fatalf("expected transfer steps, got %T", step)
		}
		out = append(out, tr)
	}
	return out
}
