package aggregators

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// DefaultIndicatorLengths are the window lengths used when none are configured.
var DefaultIndicatorLengths = []int{5, 10, 20}

var (
	two     = decimal.NewFromInt(2)
	three   = decimal.NewFromInt(3)
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
)

type seriesKey struct {
	pool   ledger.PublicKey
	source events.IndicatorSource
}

// TickIndicators computes EMA, TEMA, RSI and Bollinger bands per pool for
// every configured length. Price updates feed the tick series and closed
// tick bars feed the bar series. The first price of a series only seeds it.
type TickIndicators struct {
	lengths []int

	mu     sync.Mutex
	series map[seriesKey][]*indicatorState
}

// NewTickIndicators returns an aggregator for the given window lengths.
// Non-positive and duplicate lengths are dropped.
func NewTickIndicators(lengths []int) *TickIndicators {
	seen := make(map[int]bool)
	var clean []int
	for _, n := range lengths {
		if n > 0 && !seen[n] {
			seen[n] = true
			clean = append(clean, n)
		}
	}
	if len(clean) == 0 {
		clean = append(clean, DefaultIndicatorLengths...)
	}
	sort.Ints(clean)
	return &TickIndicators{lengths: clean, series: make(map[seriesKey][]*indicatorState)}
}

// Name implements engine.Aggregator.
func (a *TickIndicators) Name() string { return "tick-indicators" }

// Lengths returns the configured window lengths in ascending order.
func (a *TickIndicators) Lengths() []int { return append([]int(nil), a.lengths...) }

// Aggregate implements engine.Aggregator.
func (a *TickIndicators) Aggregate(evt events.Event) []events.Event {
	var (
		key   seriesKey
		price decimal.Decimal
		at    time.Time
	)
	switch e := evt.(type) {
	case events.PriceUpdate:
		key, price, at = seriesKey{e.Pool, events.SourceTick}, e.Price.Value, e.At
	case events.Swap:
		key, price, at = seriesKey{e.Update.Pool, events.SourceTick}, e.Update.Price.Value, e.Update.At
	case events.TickBar:
		key, price, at = seriesKey{e.Pool, events.SourceBar}, e.Close, e.At
	default:
		return nil
	}
	if !price.IsPositive() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	states, ok := a.series[key]
	if !ok {
		states = make([]*indicatorState, len(a.lengths))
		for i, n := range a.lengths {
			states[i] = newIndicatorState(n, price)
		}
		a.series[key] = states
		return nil
	}
	out := make([]events.Event, 0, len(states))
	for _, st := range states {
		ind := st.next(price)
		ind.Pool = key.pool
		ind.Source = key.source
		ind.At = at
		out = append(out, ind)
	}
	return out
}

// indicatorState holds the running values for one window length.
type indicatorState struct {
	length int
	alpha  decimal.Decimal // 2 / (length + 1)
	rma    decimal.Decimal // 1 / length

	ema1, ema2, ema3 decimal.Decimal
	prev             decimal.Decimal
	gain, loss       decimal.Decimal

	window []decimal.Decimal
	pos    int
}

func newIndicatorState(length int, seed decimal.Decimal) *indicatorState {
	n := decimal.NewFromInt(int64(length))
	st := &indicatorState{
		length: length,
		alpha:  two.Div(n.Add(decimal.NewFromInt(1))),
		rma:    decimal.NewFromInt(1).Div(n),
		ema1:   seed,
		ema2:   seed,
		ema3:   seed,
		prev:   seed,
		gain:   decimal.Zero,
		loss:   decimal.Zero,
		window: make([]decimal.Decimal, length),
	}
	for i := range st.window {
		st.window[i] = seed
	}
	return st
}

func (st *indicatorState) next(price decimal.Decimal) events.Indicators {
	st.ema1 = st.ema1.Add(st.alpha.Mul(price.Sub(st.ema1)))
	st.ema2 = st.ema2.Add(st.alpha.Mul(st.ema1.Sub(st.ema2)))
	st.ema3 = st.ema3.Add(st.alpha.Mul(st.ema2.Sub(st.ema3)))
	tema := three.Mul(st.ema1).Sub(three.Mul(st.ema2)).Add(st.ema3)

	change := price.Sub(st.prev)
	st.prev = price
	up, down := decimal.Zero, decimal.Zero
	if change.IsPositive() {
		up = change
	} else {
		down = change.Neg()
	}
	st.gain = st.gain.Add(st.rma.Mul(up.Sub(st.gain)))
	st.loss = st.loss.Add(st.rma.Mul(down.Sub(st.loss)))
	rsi := half
	if total := st.gain.Add(st.loss); !total.IsZero() {
		rsi = st.gain.Div(total)
	}

	st.window[st.pos] = price
	st.pos = (st.pos + 1) % st.length
	middle, sigma := meanStdDev(st.window)
	band := two.Mul(sigma)

	return events.Indicators{
		Length: st.length,
		Price:  price,
		EMA:    st.ema1,
		TEMA:   tema,
		RSI:    rsi.Mul(hundred),
		Upper:  middle.Add(band),
		Middle: middle,
		Lower:  middle.Sub(band),
	}
}

// meanStdDev returns the mean and population standard deviation of values.
// decimal has no square root, so the deviation goes through float64.
func meanStdDev(values []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	n := decimal.NewFromInt(int64(len(values)))
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	mean := sum.Div(n)
	variance := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)
	return mean, decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}
