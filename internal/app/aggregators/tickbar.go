// Package aggregators derives higher level events from ledger events.
package aggregators

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// DefaultTicksPerBar closes a bar after this many price updates.
const DefaultTicksPerBar = 10

// TickBars groups price updates per pool into fixed-size OHLC bars.
type TickBars struct {
	ticks int

	mu   sync.Mutex
	open map[ledger.PublicKey]*events.TickBar
}

// NewTickBars returns an aggregator closing a bar every ticks updates.
func NewTickBars(ticks int) *TickBars {
	if ticks <= 0 {
		ticks = DefaultTicksPerBar
	}
	return &TickBars{ticks: ticks, open: make(map[ledger.PublicKey]*events.TickBar)}
}

// Name implements engine.Aggregator.
func (a *TickBars) Name() string { return "tick-bars" }

// Aggregate implements engine.Aggregator.
func (a *TickBars) Aggregate(evt events.Event) []events.Event {
	var (
		update events.PriceUpdate
		volume uint64
	)
	switch e := evt.(type) {
	case events.PriceUpdate:
		update = e
	case events.Swap:
		update, volume = e.Update, e.AmountBase
	default:
		return nil
	}
	if update.Price.Value.IsZero() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	bar, ok := a.open[update.Pool]
	if !ok {
		bar = &events.TickBar{Pool: update.Pool, Open: update.Price.Value, High: update.Price.Value, Low: update.Price.Value}
		a.open[update.Pool] = bar
	}
	price := update.Price.Value
	bar.High = decimal.Max(bar.High, price)
	bar.Low = decimal.Min(bar.Low, price)
	bar.Close = price
	bar.Volume += volume
	bar.Ticks++
	bar.At = update.At
	if bar.Ticks < a.ticks {
		return nil
	}
	delete(a.open, update.Pool)
	return []events.Event{*bar}
}
