// Package engine is the composition root that wires collectors, aggregators,
// the strategy dispatcher and executors through the event and action buses.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/infra/bus"
	"github.com/coachpo/tranche/internal/infra/telemetry"
	"github.com/coachpo/tranche/lib/async"
)

// Collector produces an unbounded stream of events. The channel closes when
// ctx ends or the source is exhausted.
type Collector interface {
	Name() string
	Events(ctx context.Context) <-chan events.Event
}

// Aggregator derives zero or more events from one event.
type Aggregator interface {
	Name() string
	Aggregate(evt events.Event) []events.Event
}

// Executor tries to get one action accepted by the ledger.
type Executor interface {
	Name() string
	Execute(ctx context.Context, a *action.Handle) (events.Event, error)
}

// Dispatcher consumes events and produces actions. The strategy manager implements it.
type Dispatcher interface {
	Run(ctx context.Context, eventBus bus.Subscriber[events.Event], actions bus.Publisher[*action.Handle]) error
}

// Config tunes the buses and the executor worker pool.
type Config struct {
	EventCapacity   int
	ActionCapacity  int
	FanoutWorkers   int
	ExecutorWorkers int
	ExecutorQueue   int
}

func (c Config) normalize() Config {
	if c.EventCapacity <= 0 {
		c.EventCapacity = bus.DefaultCapacity
	}
	if c.ActionCapacity <= 0 {
		c.ActionCapacity = bus.DefaultCapacity
	}
	if c.ExecutorWorkers <= 0 {
		c.ExecutorWorkers = 8
	}
	if c.ExecutorQueue <= 0 {
		c.ExecutorQueue = c.ExecutorWorkers * 64
	}
	return c
}

// Engine owns the event and action buses and the tasks attached to them.
type Engine struct {
	cfg    Config
	logger *log.Logger

	events  *bus.MemoryBus[events.Event]
	actions *bus.MemoryBus[*action.Handle]

	mu          sync.Mutex
	collectors  []Collector
	aggregators []Aggregator
	executors   []Executor
	dispatcher  Dispatcher
	running     bool

	executeDuration metric.Float64Histogram
	executeResults  metric.Int64Counter
}

// New constructs an engine with fresh buses.
func New(cfg Config, logger *log.Logger) *Engine {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.New(os.Stdout, "engine ", log.LstdFlags|log.Lmicroseconds)
	}
	meter := otel.Meter("engine")
	duration, _ := meter.Float64Histogram("executor.duration",
		metric.WithDescription("Time spent in one executor call"),
		metric.WithUnit("ms"))
	results, _ := meter.Int64Counter("executor.results",
		metric.WithDescription("Executor results by outcome"),
		metric.WithUnit("{result}"))
	return &Engine{
		cfg:    cfg,
		logger: logger,
		events: bus.NewMemoryBus[events.Event](bus.MemoryConfig{
			Name: "events", Capacity: cfg.EventCapacity, FanoutWorkers: cfg.FanoutWorkers,
		}),
		actions: bus.NewMemoryBus[*action.Handle](bus.MemoryConfig{
			Name: "actions", Capacity: cfg.ActionCapacity, FanoutWorkers: cfg.FanoutWorkers,
		}),
		executeDuration: duration,
		executeResults:  results,
	}
}

// Events exposes the event bus so other components can publish system events.
func (e *Engine) Events() bus.Bus[events.Event] { return e.events }

// Actions exposes the action bus.
func (e *Engine) Actions() bus.Bus[*action.Handle] { return e.actions }

// AddCollector attaches a collector. Must be called before Run.
func (e *Engine) AddCollector(c Collector) { e.add(func() { e.collectors = append(e.collectors, c) }) }

// AddAggregator attaches an aggregator. Must be called before Run.
func (e *Engine) AddAggregator(a Aggregator) {
	e.add(func() { e.aggregators = append(e.aggregators, a) })
}

// AddExecutor attaches an executor. Must be called before Run.
func (e *Engine) AddExecutor(x Executor) { e.add(func() { e.executors = append(e.executors, x) }) }

// SetDispatcher attaches the strategy dispatcher. Must be called before Run.
func (e *Engine) SetDispatcher(d Dispatcher) { e.add(func() { e.dispatcher = d }) }

func (e *Engine) add(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		panic("engine: components must be attached before Run")
	}
	fn()
}

// Run starts every task and blocks until ctx ends or a Stop event is
// published. Buses are closed on return.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	collectors := append([]Collector(nil), e.collectors...)
	aggregators := append([]Aggregator(nil), e.aggregators...)
	executors := append([]Executor(nil), e.executors...)
	dispatcher := e.dispatcher
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := async.NewPool(e.cfg.ExecutorWorkers, e.cfg.ExecutorQueue, func(err error) {
		e.logger.Printf("executor task failed: %v", err)
	})
	if err != nil {
		return fmt.Errorf("engine: executor pool: %w", err)
	}

	// Subscriptions are taken before any producer starts so nothing published
	// at startup is missed.
	stopID, stopCh, err := e.events.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("engine: subscribe stop watcher: %w", err)
	}
	type aggSub struct {
		agg Aggregator
		id  bus.SubscriptionID
		ch  <-chan events.Event
	}
	aggSubs := make([]aggSub, 0, len(aggregators))
	for _, agg := range aggregators {
		id, ch, err := e.events.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("engine: subscribe aggregator %s: %w", agg.Name(), err)
		}
		aggSubs = append(aggSubs, aggSub{agg: agg, id: id, ch: ch})
	}
	type execSub struct {
		exec Executor
		id   bus.SubscriptionID
		ch   <-chan *action.Handle
	}
	execSubs := make([]execSub, 0, len(executors))
	for _, x := range executors {
		id, ch, err := e.actions.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("engine: subscribe executor %s: %w", x.Name(), err)
		}
		execSubs = append(execSubs, execSub{exec: x, id: id, ch: ch})
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		defer e.events.Unsubscribe(stopID)
		e.watchStop(ctx, stopCh, cancel)
	})
	for _, s := range aggSubs {
		wg.Go(func() {
			defer e.events.Unsubscribe(s.id)
			e.runAggregator(ctx, s.agg, s.ch)
		})
	}
	for _, s := range execSubs {
		wg.Go(func() {
			defer e.actions.Unsubscribe(s.id)
			e.runExecutor(ctx, pool, s.exec, s.ch)
		})
	}
	if dispatcher != nil {
		wg.Go(func() {
			if err := dispatcher.Run(ctx, e.events, e.actions); err != nil {
				e.logger.Printf("dispatcher stopped: %v", err)
			}
		})
	}
	for _, c := range collectors {
		wg.Go(func() { e.runCollector(ctx, c) })
	}
	e.logger.Printf("engine running: collectors=%d aggregators=%d executors=%d",
		len(collectors), len(aggregators), len(executors))

	<-ctx.Done()
	panicErr := wg.WaitAndRecover()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		e.logger.Printf("executor pool shutdown: %v", err)
	}
	e.events.Close()
	e.actions.Close()
	e.logger.Printf("engine stopped")
	if panicErr != nil {
		return fmt.Errorf("engine task panicked: %w", panicErr.AsError())
	}
	return nil
}

func (e *Engine) watchStop(ctx context.Context, ch <-chan events.Event, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if _, stop := evt.(events.Stop); stop {
				e.logger.Printf("stop event received")
				cancel()
				return
			}
		}
	}
}

func (e *Engine) runCollector(ctx context.Context, c Collector) {
	stream := c.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream:
			if !ok {
				e.logger.Printf("collector %s finished", c.Name())
				return
			}
			if err := e.events.Publish(ctx, evt); err != nil {
				e.logger.Printf("collector %s: publish failed: %v", c.Name(), err)
				return
			}
		}
	}
}

func (e *Engine) runAggregator(ctx context.Context, agg Aggregator, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			for _, derived := range agg.Aggregate(evt) {
				if err := e.events.Publish(ctx, derived); err != nil {
					e.logger.Printf("aggregator %s: publish failed: %v", agg.Name(), err)
				}
			}
		}
	}
}

func (e *Engine) runExecutor(ctx context.Context, pool *async.Pool, x Executor, ch <-chan *action.Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			err := pool.Submit(ctx, func(taskCtx context.Context) error {
				e.execute(taskCtx, x, a)
				return nil
			})
			if err != nil {
				e.logger.Printf("executor %s: action %s rejected: %v", x.Name(), a.ID(), err)
				e.publishResult(ctx, x, events.ExecutionResult{
					ActionID: a.ID(),
					Action:   a,
					Outcome:  events.Failed(action.Other(err.Error())),
				})
			}
		}
	}
}

// execute runs one executor call. Executor errors are reported as an Other
// execution error so the owning agent can retry.
func (e *Engine) execute(ctx context.Context, x Executor, a *action.Handle) {
	start := time.Now()
	evt, err := x.Execute(ctx, a)
	e.executeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		e.logger.Printf("executor %s: action %s failed: %v", x.Name(), a.ID(), err)
		evt = events.ExecutionResult{ActionID: a.ID(), Action: a, Outcome: events.Failed(action.Other(err.Error()))}
	}
	if evt == nil {
		return
	}
	e.publishResult(ctx, x, evt)
}

func (e *Engine) publishResult(ctx context.Context, x Executor, evt events.Event) {
	outcome := "other"
	if res, ok := evt.(events.ExecutionResult); ok {
		outcome = "sent"
		if res.Outcome.Err != nil {
			outcome = res.Outcome.Err.Kind.String()
		}
	}
	e.executeResults.Add(ctx, 1, metric.WithAttributes(telemetry.ExecutionAttributes(telemetry.Environment(), x.Name(), outcome)...))
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Printf("executor %s: publish result failed: %v", x.Name(), err)
	}
}
