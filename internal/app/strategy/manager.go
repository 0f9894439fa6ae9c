package strategy

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/strategystore"
	"github.com/coachpo/tranche/internal/infra/bus"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

const (
	// DefaultPollInterval coalesces bursts of change notifications.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultSafetyTick re-fires the change notification to heal missed signals.
	DefaultSafetyTick = 3 * time.Second

	ephemeralIDBase int64 = 1 << 40
)

// Options configures a Manager.
type Options struct {
	Store        strategystore.Store
	Logger       *log.Logger
	PollInterval time.Duration
	SafetyTick   time.Duration
	Clock        func() time.Time
}

// Manager owns the set of active strategy instances and one dispatch task per instance.
type Manager struct {
	store        strategystore.Store
	logger       *log.Logger
	pollInterval time.Duration
	safetyTick   time.Duration
	clock        func() time.Time

	mu          sync.RWMutex
	definitions map[Variant]Definition
	entries     map[ID]*entry

	notify      chan struct{}
	nextID      atomic.Int64
	actionsMu   sync.RWMutex
	actionsSink bus.Publisher[*action.Handle]

	activeGauge      metric.Int64UpDownCounter
	forwardCounter   metric.Int64Counter
	dropCounter      metric.Int64Counter
	lifecycleCounter metric.Int64Counter
}

type entry struct {
	strategy  Strategy
	def       Definition
	persisted bool
	startedAt time.Time

	// mu serialises event processing for the strategy.
	mu      sync.Mutex
	dropped bool
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a strategy manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "strategy-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	safety := opts.SafetyTick
	if safety <= 0 {
		safety = DefaultSafetyTick
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		store:        opts.Store,
		logger:       logger,
		pollInterval: poll,
		safetyTick:   safety,
		clock:        clock,
		definitions:  make(map[Variant]Definition),
		entries:      make(map[ID]*entry),
		notify:       make(chan struct{}, 1),
	}
	m.nextID.Store(ephemeralIDBase)

	meter := otel.Meter("strategy-manager")
	m.activeGauge, _ = meter.Int64UpDownCounter("manager.strategies.running",
		metric.WithDescription("Strategy dispatch tasks currently running"),
		metric.WithUnit("{strategy}"))
	m.forwardCounter, _ = meter.Int64Counter("manager.actions.forwarded",
		metric.WithDescription("Actions forwarded to the action bus"),
		metric.WithUnit("{action}"))
	m.dropCounter, _ = meter.Int64Counter("manager.actions.dropped",
		metric.WithDescription("Actions that could not be forwarded"),
		metric.WithUnit("{action}"))
	m.lifecycleCounter, _ = meter.Int64Counter("manager.lifecycle",
		metric.WithDescription("Strategy lifecycle operations by result"),
		metric.WithUnit("{operation}"))
	return m
}

// Register adds a variant definition.
func (m *Manager) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[def.Variant]; ok {
		return fmt.Errorf("%w: %s", ErrVariantExists, def.Variant)
	}
	m.definitions[def.Variant] = def
	return nil
}

// Variants returns the registered variant tags.
func (m *Manager) Variants() []Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Variant, 0, len(m.definitions))
	for v := range m.definitions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build constructs a strategy of variant from its configuration without starting it.
func (m *Manager) Build(variant Variant, config []byte) (Strategy, error) {
	def, ok := m.definition(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, variant)
	}
	s, err := def.Factory(config)
	if err != nil {
		return nil, fmt.Errorf("build %s strategy: %w", variant, err)
	}
	return s, nil
}

// Launch builds and starts a strategy.
func (m *Manager) Launch(ctx context.Context, variant Variant, config []byte) (ID, error) {
	s, err := m.Build(variant, config)
	if err != nil {
		return 0, err
	}
	return m.StartStrategy(ctx, s)
}

// StartStrategy registers s, persists it when its variant is persistent, and
// makes it eligible for dispatch. Safe for concurrent use.
func (m *Manager) StartStrategy(ctx context.Context, s Strategy) (ID, error) {
	if s == nil {
		return 0, fmt.Errorf("start strategy: nil strategy")
	}
	def, ok := m.definition(s.Variant())
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVariant, s.Variant())
	}

	var id ID
	persisted := false
	if def.Persist != nil && m.store != nil {
		snapshot, err := def.Persist(s)
		if err != nil {
			m.recordLifecycle(ctx, s.Variant(), "start", "persist_failed")
			return 0, fmt.Errorf("persist %s strategy: %w", s.Variant(), err)
		}
		snapshot.Variant = string(s.Variant())
		if snapshot.CreatedAt.IsZero() {
			snapshot.CreatedAt = m.clock().UTC()
		}
		id, err = m.store.Create(ctx, snapshot)
		if err != nil {
			m.recordLifecycle(ctx, s.Variant(), "start", "store_failed")
			return 0, fmt.Errorf("persist %s strategy: %w", s.Variant(), err)
		}
		persisted = true
	} else {
		id = m.nextID.Add(1)
	}

	m.insert(id, s, def, persisted)
	m.logger.Printf("strategy %d (%s) started", id, s.Variant())
	m.recordLifecycle(ctx, s.Variant(), "start", "success")
	return id, nil
}

// SyncState resumes every persisted strategy that has not completed.
func (m *Manager) SyncState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snapshots, err := m.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active strategies: %w", err)
	}
	for _, snap := range snapshots {
		def, ok := m.definition(Variant(snap.Variant))
		if !ok {
			m.logger.Printf("strategy %d: skipping unknown variant %q", snap.ID, snap.Variant)
			continue
		}
		s, err := def.Factory(snap.Config)
		if err != nil {
			m.logger.Printf("strategy %d: resume failed: %v", snap.ID, err)
			continue
		}
		m.insert(snap.ID, s, def, true)
		m.logger.Printf("strategy %d (%s) resumed", snap.ID, snap.Variant)
	}
	return nil
}

// DropStrategy delivers a teardown event to the strategy, marks it completed
// in the store and removes it from the active set.
func (m *Manager) DropStrategy(ctx context.Context, id ID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrStrategyNotFound, id)
	}

	e.mu.Lock()
	produced := e.strategy.ProcessEvent(ctx, events.DestroyStrategy{ID: id})
	e.dropped = true
	e.mu.Unlock()
	m.forward(ctx, id, produced)

	var err error
	if e.persisted {
		if markErr := m.store.MarkCompleted(ctx, id, m.clock()); markErr != nil {
			err = fmt.Errorf("mark strategy %d completed: %w", id, markErr)
		}
	}
	m.signal()
	m.logger.Printf("strategy %d dropped", id)
	m.recordLifecycle(ctx, e.def.Variant, "drop", resultOf(err))
	return err
}

// ActiveStrategies returns every strategy that is not a persisted strategy
// marked completed.
func (m *Manager) ActiveStrategies() map[ID]Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ID]Strategy, len(m.entries))
	for id, e := range m.entries {
		if e.persisted && e.strategy.Status().Completed {
			continue
		}
		out[id] = e.strategy
	}
	return out
}

// Run drives the dispatch tasks until ctx ends. Every change to the active set,
// and every safety tick, reconciles the running tasks against it.
func (m *Manager) Run(ctx context.Context, eventBus bus.Subscriber[events.Event], actions bus.Publisher[*action.Handle]) error {
	m.actionsMu.Lock()
	m.actionsSink = actions
	m.actionsMu.Unlock()

	running := make(map[ID]*task)
	var wg conc.WaitGroup
	defer func() {
		for _, t := range running {
			t.cancel()
		}
		wg.Wait()
	}()

	safety := time.NewTicker(m.safetyTick)
	defer safety.Stop()
	debounce := time.NewTimer(0)
	defer debounce.Stop()
	pending := true

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
			if !pending {
				pending = true
				debounce.Reset(m.pollInterval)
			}
		case <-safety.C:
			m.signal()
		case <-debounce.C:
			pending = false
			m.reconcile(ctx, running, &wg, eventBus, actions)
		}
	}
}

func (m *Manager) reconcile(ctx context.Context, running map[ID]*task, wg *conc.WaitGroup, eventBus bus.Subscriber[events.Event], actions bus.Publisher[*action.Handle]) {
	active := m.ActiveStrategies()
	stop := make(map[ID]bool)
	for id, s := range active {
		if s.Status().Stopped {
			stop[id] = true
		}
	}

	for id, t := range running {
		if _, ok := active[id]; ok && !stop[id] {
			continue
		}
		t.cancel()
		<-t.done
		delete(running, id)
		m.activeGauge.Add(ctx, -1)
		m.logger.Printf("strategy %d dispatch stopped", id)
	}
	m.retire(ctx, stop)

	for id, s := range active {
		if _, ok := running[id]; ok || stop[id] {
			continue
		}
		e, ok := m.lookup(id)
		if !ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		subID, ch, err := eventBus.Subscribe(taskCtx)
		if err != nil {
			cancel()
			m.logger.Printf("strategy %d: subscribe failed: %v", id, err)
			continue
		}
		t := &task{cancel: cancel, done: make(chan struct{})}
		running[id] = t
		m.activeGauge.Add(ctx, 1, metric.WithAttributes(telemetry.StrategyAttributes(telemetry.Environment(), string(s.Variant()))...))
		wg.Go(func() {
			defer close(t.done)
			defer eventBus.Unsubscribe(subID)
			m.dispatch(taskCtx, id, e, ch, actions)
		})
	}
}

// retire removes stopped strategies and persisted strategies that completed on
// their own. Both conditions are checked again under the lock, so a strategy
// started after the reconcile snapshot is never retired.
func (m *Manager) retire(ctx context.Context, stop map[ID]bool) {
	m.mu.Lock()
	var completed []ID
	for id, e := range m.entries {
		finished := e.persisted && e.strategy.Status().Completed
		if !stop[id] && !finished {
			continue
		}
		delete(m.entries, id)
		if e.persisted {
			completed = append(completed, id)
		}
	}
	m.mu.Unlock()
	for _, id := range completed {
		if err := m.store.MarkCompleted(ctx, id, m.clock()); err != nil {
			m.logger.Printf("strategy %d: mark completed failed: %v", id, err)
		}
	}
}

// dispatch is the per-strategy task: sync once, then feed every event and
// forward the produced actions.
func (m *Manager) dispatch(ctx context.Context, id ID, e *entry, ch <-chan events.Event, actions bus.Publisher[*action.Handle]) {
	if err := e.strategy.SyncState(ctx); err != nil {
		m.logger.Printf("strategy %d: sync state failed: %v", id, err)
		return
	}
	m.logger.Printf("strategy %d (%s) dispatching", id, e.def.Variant)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			e.mu.Lock()
			if e.dropped {
				e.mu.Unlock()
				return
			}
			produced := e.strategy.ProcessEvent(ctx, evt)
			e.mu.Unlock()
			if len(produced) > 0 {
				m.publish(ctx, id, actions, produced)
			}
		}
	}
}

func (m *Manager) forward(ctx context.Context, id ID, produced []*action.Handle) {
	if len(produced) == 0 {
		return
	}
	m.actionsMu.RLock()
	sink := m.actionsSink
	m.actionsMu.RUnlock()
	if sink == nil {
		m.logger.Printf("strategy %d: %d actions dropped, manager not running", id, len(produced))
		m.dropCounter.Add(ctx, int64(len(produced)))
		return
	}
	m.publish(ctx, id, sink, produced)
}

func (m *Manager) publish(ctx context.Context, id ID, actions bus.Publisher[*action.Handle], produced []*action.Handle) {
	for _, a := range produced {
		if err := actions.Publish(ctx, a); err != nil {
			m.logger.Printf("strategy %d: forward action %s failed: %v", id, a.ID(), err)
			m.dropCounter.Add(ctx, 1)
			continue
		}
		m.forwardCounter.Add(ctx, 1)
	}
}

func (m *Manager) insert(id ID, s Strategy, def Definition, persisted bool) {
	s.Bind(id)
	m.mu.Lock()
	m.entries[id] = &entry{strategy: s, def: def, persisted: persisted, startedAt: m.clock()}
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) lookup(id ID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Manager) definition(v Variant) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[v]
	return def, ok
}

// signal fires the change notification without blocking.
func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) recordLifecycle(ctx context.Context, variant Variant, operation, result string) {
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)
	attrs = append(attrs, telemetry.AttrStrategyVariant.String(string(variant)))
	m.lifecycleCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
