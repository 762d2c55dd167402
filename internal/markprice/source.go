package markprice

import (
	"fmt"
	"time"
)

// Source identifies where a price reading came from. Each source has a trust tier
// that drives arbitration in Cache.Submit.
type Source int32

const (
	SourceUnknown Source = iota
	// SourceExchangeMarkPrice is the exchange-reported mark price. Top tier, never staleness gated.
	SourceExchangeMarkPrice
	// SourceRecentTradeAverage is the mean of recent trade prices. Top tier, two-call warm-up.
	SourceRecentTradeAverage
	// SourceTickerClosePrice is the ticker's last close. Fallback tier.
	SourceTickerClosePrice
)

// Sources lists every valid source in a stable order.
var Sources = []Source{
	SourceExchangeMarkPrice,
	SourceRecentTradeAverage,
	SourceTickerClosePrice,
}

func (s Source) String() string {
	switch s {
	case SourceExchangeMarkPrice:
		return "exchange_mark_price"
	case SourceRecentTradeAverage:
		return "recent_trade_average"
	case SourceTickerClosePrice:
		return "ticker_close_price"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s >= SourceExchangeMarkPrice && s <= SourceTickerClosePrice
}

// ParseSource converts a wire name back into a Source.
func ParseSource(name string) (Source, error) {
	for _, s := range Sources {
		if s.String() == name {
			return s, nil
		}
	}
	return SourceUnknown, fmt.Errorf("unknown price source %q", name)
}

// Reading is the last value stored for a source.
// For SourceRecentTradeAverage a zero ObservedAt means the warm-up reading is pending.
type Reading struct {
	Price      float64
	ObservedAt time.Time
}

// WarmingUp reports whether the reading is a held warm-up sample.
func (r Reading) WarmingUp() bool {
	return r.ObservedAt.IsZero()
}
