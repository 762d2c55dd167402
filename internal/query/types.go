package query

import "time"

// MarkPriceResponse is a fresh mark price returned by GetMarkPrice.
type MarkPriceResponse struct {
	MarketID string    `json:"market_id"`
	Price    float64   `json:"price"`
	SetAt    time.Time `json:"set_at"`
	WaitedMs int64     `json:"waited_ms"` // how long the read blocked
}

// ReadingResponse is the last value stored for one source.
type ReadingResponse struct {
	Source     string     `json:"source"`
	Price      float64    `json:"price"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	WarmingUp  bool       `json:"warming_up,omitempty"` // trade average held until its next sample
}

// SnapshotResponse is the full arbitration state of a market.
type SnapshotResponse struct {
	MarketID   string            `json:"market_id"`
	Price      float64           `json:"price"`
	SetAt      *time.Time        `json:"set_at,omitempty"`
	Ready      bool              `json:"ready"`
	Valid      bool              `json:"valid"`
	AgeMs      *int64            `json:"age_ms,omitempty"`
	ValidityMs int64             `json:"validity_window_ms"`
	Readings   []ReadingResponse `json:"readings"`
	ServerTime time.Time         `json:"server_time"`
}

// MarketStatus summarises one market for listings and health.
type MarketStatus struct {
	MarketID    string  `json:"market_id"`
	Ready       bool    `json:"ready"`
	Valid       bool    `json:"valid"`
	Price       float64 `json:"price,omitempty"`
	ValidityMs  int64   `json:"validity_window_ms"`
	TradeWindow int     `json:"trade_window"`
}

// ListMarketsResponse lists every tracked market.
type ListMarketsResponse struct {
	Markets []MarketStatus `json:"markets"`
}
