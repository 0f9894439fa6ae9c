package strategy

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/domain/strategystore"
	"github.com/coachpo/tranche/internal/infra/bus"
	"github.com/coachpo/tranche/internal/infra/persistence/memory"
)

const testVariant Variant = "recorder"

type recorder struct {
	mu        sync.Mutex
	id        ID
	config    string
	synced    int
	seen      []events.Event
	completed bool
	stopped   bool
	onDestroy []*action.Handle
}

func (r *recorder) Variant() Variant { return testVariant }

func (r *recorder) Bind(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func (r *recorder) SyncState(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced++
	return nil
}

func (r *recorder) ProcessEvent(_ context.Context, evt events.Event) []*action.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt)
	if _, ok := evt.(events.DestroyStrategy); ok {
		return r.onDestroy
	}
	return nil
}

func (r *recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Stopped: r.stopped, Completed: r.completed}
}

func (r *recorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.seen...)
}

func (r *recorder) boundID() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func recorderDefinition(persist bool) Definition {
	def := Definition{
		Variant: testVariant,
		Factory: func(config []byte) (Strategy, error) {
			if string(config) == "bad" {
				return nil, errors.New("bad config")
			}
			return &recorder{config: string(config)}, nil
		},
	}
	if persist {
		def.Persist = func(s Strategy) (strategystore.Snapshot, error) {
			return strategystore.Snapshot{Config: []byte(s.(*recorder).config)}, nil
		}
	}
	return def
}

func newTestManager(t *testing.T, store strategystore.Store, persist bool) *Manager {
	t.Helper()
	m := NewManager(Options{
		Store:        store,
		Logger:       log.New(io.Discard, "", 0),
		PollInterval: 5 * time.Millisecond,
		SafetyTick:   50 * time.Millisecond,
	})
	if err := m.Register(recorderDefinition(persist)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return m
}

type runningManager struct {
	events  *bus.MemoryBus[events.Event]
	actions *bus.MemoryBus[*action.Handle]
	cancel  context.CancelFunc
	done    chan struct{}
}

func startRun(t *testing.T, m *Manager) *runningManager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rm := &runningManager{
		events:  bus.NewMemoryBus[events.Event](bus.MemoryConfig{Name: "events", Capacity: 64}),
		actions: bus.NewMemoryBus[*action.Handle](bus.MemoryConfig{Name: "actions", Capacity: 64}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(rm.done)
		_ = m.Run(ctx, rm.events, rm.actions)
	}()
	t.Cleanup(func() {
		cancel()
		<-rm.done
		rm.events.Close()
		rm.actions.Close()
	})
	return rm
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	m := newTestManager(t, nil, false)
	if err := m.Register(recorderDefinition(false)); !errors.Is(err, ErrVariantExists) {
		t.Fatalf("expected ErrVariantExists, got %v", err)
	}
	if err := m.Register(Definition{Variant: "x"}); err == nil {
		t.Fatalf("expected error for missing factory")
	}
	if _, err := m.Build("missing", nil); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if _, err := m.Build(testVariant, []byte("bad")); err == nil {
		t.Fatalf("expected factory error")
	}
}

func TestStartStrategyAssignsEphemeralIDsWithoutPersist(t *testing.T) {
	store := memory.NewStrategyStore()
	m := newTestManager(t, store, false)

	first, err := m.Launch(context.Background(), testVariant, []byte("a"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	second, err := m.Launch(context.Background(), testVariant, []byte("b"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if first == second || first <= ephemeralIDBase {
		t.Fatalf("expected distinct ephemeral ids, got %d and %d", first, second)
	}
	active, err := store.LoadActive(context.Background())
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(active))
	}
	if got := len(m.ActiveStrategies()); got != 2 {
		t.Fatalf("expected 2 active strategies, got %d", got)
	}
}

func TestStartStrategyPersistsAndBinds(t *testing.T) {
	store := memory.NewStrategyStore()
	m := newTestManager(t, store, true)

	s, err := m.Build(testVariant, []byte("cfg"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id, err := m.StartStrategy(context.Background(), s)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if s.(*recorder).boundID() != id {
		t.Fatalf("expected strategy bound to %d", id)
	}
	snap, ok := store.Get(id)
	if !ok {
		t.Fatalf("snapshot %d missing", id)
	}
	if snap.Variant != string(testVariant) || string(snap.Config) != "cfg" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDispatchDeliversEventsAndStopsAfterDrop(t *testing.T) {
	store := memory.NewStrategyStore()
	m := newTestManager(t, store, true)
	rm := startRun(t, m)

	s, _ := m.Build(testVariant, []byte("cfg"))
	rec := s.(*recorder)
	id, err := m.StartStrategy(context.Background(), s)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	waitFor(t, func() bool { return rm.events.Subscribers() == 1 }, "dispatch task to subscribe")
	if err := rm.events.Publish(context.Background(), events.Heartbeat{Period: time.Second}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(rec.events()) == 1 }, "heartbeat delivery")

	if err := m.DropStrategy(context.Background(), id); err != nil {
		t.Fatalf("DropStrategy: %v", err)
	}
	seen := rec.events()
	if _, ok := seen[len(seen)-1].(events.DestroyStrategy); !ok {
		t.Fatalf("expected destroy event last, got %T", seen[len(seen)-1])
	}
	waitFor(t, func() bool { return rm.events.Subscribers() == 0 }, "dispatch task to stop")

	_ = rm.events.Publish(context.Background(), events.Heartbeat{Period: time.Second})
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.events()); got != len(seen) {
		t.Fatalf("expected no events after drop, got %d more", got-len(seen))
	}

	snap, ok := store.Get(id)
	if !ok {
		t.Fatalf("snapshot %d missing", id)
	}
	if snap.CompletedAt == nil {
		t.Fatalf("expected dropped strategy marked completed")
	}
	if _, ok := m.ActiveStrategies()[id]; ok {
		t.Fatalf("dropped strategy still active")
	}
}

func TestDropStrategyForwardsTeardownActions(t *testing.T) {
	m := newTestManager(t, nil, false)
	rm := startRun(t, m)

	_, ch, err := rm.actions.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	signer, _ := ledger.NewKeypair()
	teardown := action.NewHandle(action.New(signer, nil, time.Now()))
	s, _ := m.Build(testVariant, nil)
	s.(*recorder).onDestroy = []*action.Handle{teardown}
	id, err := m.StartStrategy(context.Background(), s)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	waitFor(t, func() bool { return rm.events.Subscribers() == 1 }, "dispatch task to subscribe")

	if err := m.DropStrategy(context.Background(), id); err != nil {
		t.Fatalf("DropStrategy: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID() != teardown.ID() {
			t.Fatalf("unexpected action forwarded: %s", got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("teardown action not forwarded")
	}

	if err := m.DropStrategy(context.Background(), id); !errors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("expected ErrStrategyNotFound on second drop, got %v", err)
	}
}

func TestCompletedPersistedStrategyIsRetired(t *testing.T) {
	store := memory.NewStrategyStore()
	m := newTestManager(t, store, true)
	rm := startRun(t, m)

	s, _ := m.Build(testVariant, []byte("cfg"))
	rec := s.(*recorder)
	id, err := m.StartStrategy(context.Background(), s)
	if err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	waitFor(t, func() bool { return rm.events.Subscribers() == 1 }, "dispatch task to subscribe")

	rec.mu.Lock()
	rec.completed = true
	rec.mu.Unlock()
	if _, ok := m.ActiveStrategies()[id]; ok {
		t.Fatalf("completed persisted strategy reported active")
	}

	waitFor(t, func() bool { return rm.events.Subscribers() == 0 }, "safety tick to retire task")
	waitFor(t, func() bool {
		snap, ok := store.Get(id)
		return ok && snap.CompletedAt != nil
	}, "store completion")
}

func TestStoppedStrategyAbortsDispatch(t *testing.T) {
	m := newTestManager(t, nil, false)
	rm := startRun(t, m)

	s, _ := m.Build(testVariant, nil)
	rec := s.(*recorder)
	if _, err := m.StartStrategy(context.Background(), s); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	waitFor(t, func() bool { return rm.events.Subscribers() == 1 }, "dispatch task to subscribe")

	rec.mu.Lock()
	rec.stopped = true
	rec.mu.Unlock()
	waitFor(t, func() bool { return rm.events.Subscribers() == 0 }, "stopped strategy to be aborted")
	waitFor(t, func() bool { return len(m.ActiveStrategies()) == 0 }, "stopped strategy removal")
}

func TestSyncStateResumesActiveSnapshots(t *testing.T) {
	store := memory.NewStrategyStore()
	ctx := context.Background()
	activeID, err := store.Create(ctx, strategystore.Snapshot{Variant: string(testVariant), Config: []byte("resume")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	doneID, err := store.Create(ctx, strategystore.Snapshot{Variant: string(testVariant), Config: []byte("done")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkCompleted(ctx, doneID, time.Now()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, err := store.Create(ctx, strategystore.Snapshot{Variant: "retired-kind"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m := newTestManager(t, store, true)
	if err := m.SyncState(ctx); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	active := m.ActiveStrategies()
	if len(active) != 1 {
		t.Fatalf("expected 1 resumed strategy, got %d", len(active))
	}
	rec, ok := active[activeID].(*recorder)
	if !ok {
		t.Fatalf("expected strategy %d resumed", activeID)
	}
	if rec.config != "resume" || rec.boundID() != activeID {
		t.Fatalf("unexpected resumed strategy %+v", rec)
	}

	rm := startRun(t, m)
	waitFor(t, func() bool { return rm.events.Subscribers() == 1 }, "resumed dispatch")
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.synced == 1
	}, "strategy sync before dispatch")
}

const gateVariant Variant = "gate"

// gate blocks its first Status call until released, holding a reconcile pass open.
type gate struct {
	recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Variant() Variant { return gateVariant }

func (g *gate) Status() Status {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.recorder.Status()
}

func TestStartStrategyDuringReconcileSurvives(t *testing.T) {
	m := newTestManager(t, memory.NewStrategyStore(), false)
	if err := m.Register(Definition{
		Variant: gateVariant,
		Factory: func([]byte) (Strategy, error) { return nil, errors.New("unused") },
	}); err != nil {
		t.Fatalf("Register gate: %v", err)
	}

	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	if _, err := m.StartStrategy(context.Background(), g); err != nil {
		t.Fatalf("StartStrategy gate: %v", err)
	}
	rm := startRun(t, m)

	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile never inspected the gate strategy")
	}

	s, _ := m.Build(testVariant, []byte("late"))
	late := s.(*recorder)
	id, err := m.StartStrategy(context.Background(), late)
	if err != nil {
		t.Fatalf("StartStrategy late: %v", err)
	}
	close(g.release)

	waitFor(t, func() bool { return rm.events.Subscribers() == 2 }, "both dispatch tasks to subscribe")
	if _, ok := m.ActiveStrategies()[id]; !ok {
		t.Fatalf("strategy %d started during reconcile was retired", id)
	}
	waitFor(t, func() bool {
		late.mu.Lock()
		defer late.mu.Unlock()
		return late.synced == 1
	}, "late strategy to sync")
}
