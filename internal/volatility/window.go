// Package volatility bounds price-range risk over a fixed-capacity rolling
// buffer of recent ticks. A fixed ring rather than time-based eviction keeps
// cost O(1) amortized and bounds memory; volatility is a range ratio over the
// whole window, so a single reversal inside it is still caught.
package volatility

import (
	"sync"

	"github.com/shopspring/decimal"

	"otoflow/models"
)

var hundred = decimal.NewFromInt(100)

// Info is a read-only snapshot of the window state.
type Info struct {
	VolatilityPct decimal.Decimal
	IsAlert       bool
	RangeMin      decimal.Decimal
	RangeMax      decimal.Decimal
	Size          int
}

// Window is a fixed-capacity ring of price samples for one symbol.
// Safe for one writer and concurrent readers.
type Window struct {
	mu           sync.RWMutex
	capacity     int
	thresholdPct decimal.Decimal
	samples      []models.PriceTick
	start        int
	size         int
}

// New creates a window holding up to capacity samples that alerts when the
// range volatility reaches thresholdPct.
func New(capacity int, thresholdPct decimal.Decimal) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{
		capacity:     capacity,
		thresholdPct: thresholdPct,
		samples:      make([]models.PriceTick, capacity),
	}
}

// AddSample appends a tick, evicting the oldest sample once the ring is full,
// and reports whether the window is now in alert. With fewer than two samples
// it always returns false so a cold start cannot false-positive.
func (w *Window) AddSample(tick models.PriceTick) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := (w.start + w.size) % w.capacity
	w.samples[idx] = tick
	if w.size < w.capacity {
		w.size++
	} else {
		w.start = (w.start + 1) % w.capacity
	}
	return w.alertLocked()
}

// Info returns the current snapshot without mutating the window.
func (w *Window) Info() Info {
	w.mu.RLock()
	defer w.mu.RUnlock()

	min, max, ok := w.rangeLocked()
	info := Info{Size: w.size}
	if !ok {
		return info
	}
	info.RangeMin = min
	info.RangeMax = max
	if min.IsPositive() {
		info.VolatilityPct = max.Sub(min).Div(min).Mul(hundred)
		info.IsAlert = info.VolatilityPct.GreaterThanOrEqual(w.thresholdPct)
	}
	return info
}

// Threshold returns the configured alert threshold percentage.
func (w *Window) Threshold() decimal.Decimal {
	return w.thresholdPct
}

func (w *Window) alertLocked() bool {
	min, max, ok := w.rangeLocked()
	if !ok {
		return false
	}
	// A zero minimum makes the ratio unmeasurable, never an alert.
	if !min.IsPositive() {
		return false
	}
	volatility := max.Sub(min).Div(min).Mul(hundred)
	return volatility.GreaterThanOrEqual(w.thresholdPct)
}

func (w *Window) rangeLocked() (min, max decimal.Decimal, ok bool) {
	if w.size < 2 {
		return decimal.Zero, decimal.Zero, false
	}
	min = w.samples[w.start].Price
	max = min
	for i := 1; i < w.size; i++ {
		p := w.samples[(w.start+i)%w.capacity].Price
		if p.LessThan(min) {
			min = p
		}
		if p.GreaterThan(max) {
			max = p
		}
	}
	return min, max, true
}
