package core

// TradeWindow keeps the prices of the most recent trades of one market in a
// fixed-size ring.
// Not thread-safe: only accessed from the engine's event loop.
type TradeWindow struct {
	prices []float64
	next   int
	full   bool
}

func NewTradeWindow(size int) *TradeWindow {
	if size <= 0 {
		size = 1
	}
	return &TradeWindow{prices: make([]float64, size)}
}

// Push records a trade price, overwriting the oldest once the window is full.
func (w *TradeWindow) Push(price float64) {
	w.prices[w.next] = price
	w.next++
	if w.next == len(w.prices) {
		w.next = 0
		w.full = true
	}
}

// Prices returns the windowed prices, oldest first.
func (w *TradeWindow) Prices() []float64 {
	if !w.full {
		out := make([]float64, w.next)
		copy(out, w.prices[:w.next])
		return out
	}
	out := make([]float64, 0, len(w.prices))
	out = append(out, w.prices[w.next:]...)
	return append(out, w.prices[:w.next]...)
}

// Len returns the number of prices held.
func (w *TradeWindow) Len() int {
	if w.full {
		return len(w.prices)
	}
	return w.next
}

// Clear drops every held price.
func (w *TradeWindow) Clear() {
	w.next = 0
	w.full = false
}
