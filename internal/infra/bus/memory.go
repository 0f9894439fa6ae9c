package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/errs"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

// MemoryBus is an in-memory broadcast bus with a bounded buffer per subscriber.
type MemoryBus[T any] struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber[T]
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	fanoutHistogram  metric.Int64Histogram
	publishDuration  metric.Float64Histogram
	droppedCounter   metric.Int64Counter
	rejectedCounter  metric.Int64Counter
}

type subscriber[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	ch     chan T
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed broadcast bus.
func NewMemoryBus[T any](cfg MemoryConfig) *MemoryBus[T] {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus[T]{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber[T]),
	}

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.published",
		metric.WithDescription("Number of values published to the bus"),
		metric.WithUnit("{message}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("bus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	b.publishDuration, _ = meter.Float64Histogram("bus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))
	b.droppedCounter, _ = meter.Int64Counter("bus.dropped",
		metric.WithDescription("Number of buffered values dropped due to subscriber backpressure"),
		metric.WithUnit("{message}"))
	b.rejectedCounter, _ = meter.Int64Counter("bus.rejected",
		metric.WithDescription("Number of publishes rejected because the bus is closed"),
		metric.WithUnit("{message}"))
	return b
}

// Publish fans msg out to every live subscriber. It never blocks on a slow
// subscriber: a full buffer loses its oldest value to make room.
func (b *MemoryBus[T]) Publish(ctx context.Context, msg T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(telemetry.BusAttributes(telemetry.Environment(), b.cfg.Name)...)
	if b.ctx.Err() != nil {
		b.rejectedCounter.Add(ctx, 1, attrs)
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"), errs.WithField("bus", b.cfg.Name))
	}
	start := time.Now()
	defer func() {
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}()

	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	b.fanoutHistogram.Record(ctx, int64(len(subs)), attrs)
	b.publishedCounter.Add(ctx, 1, attrs)
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 {
		b.deliver(ctx, subs[0], msg)
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() {
			b.deliver(ctx, sub, msg)
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers a new subscriber. The channel closes when ctx ends, the
// subscription is removed, or the bus closes.
func (b *MemoryBus[T]) Subscribe(ctx context.Context) (SubscriptionID, <-chan T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"), errs.WithField("bus", b.cfg.Name))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber[T]{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan T, b.cfg.Capacity),
	}
	id := SubscriptionID(fmt.Sprintf("%s-sub-%d", b.cfg.Name, atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.BusAttributes(telemetry.Environment(), b.cfg.Name)...))

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus[T]) Unsubscribe(id SubscriptionID) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryBus[T]) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber[T])
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *MemoryBus[T]) observe(id SubscriptionID, sub *subscriber[T]) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
		removed = true
	}
	b.mu.Unlock()
	if removed {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.BusAttributes(telemetry.Environment(), b.cfg.Name)...))
	}
	sub.close()
}

func (b *MemoryBus[T]) deliver(ctx context.Context, sub *subscriber[T], msg T) {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- msg:
			return
		default:
		}
		select {
		case <-sub.ch:
			log.Printf("bus: subscriber buffer full; dropped oldest message bus=%s", b.cfg.Name)
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.BusAttributes(telemetry.Environment(), b.cfg.Name)...))
		default:
		}
	}
}

func (s *subscriber[T]) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
