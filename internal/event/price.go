package event

import (
	"fmt"
	"time"
)

// ExchangeMarkPrice is a mark price published by the exchange itself.
type ExchangeMarkPrice struct {
	Market         string
	Price          float64
	PriceSequence  int64 // Monotonic per market, 0 if the publisher has none
	PriceTimestamp int64 // Epoch microseconds (versioned input)
	MessageID      string // Transport message id, used when sequence and timestamp are both unset
}

func (m *ExchangeMarkPrice) IdempotencyKey() string {
	return sequencedKey(m.Market, "mark", m.PriceSequence, m.PriceTimestamp, m.MessageID)
}

func (m *ExchangeMarkPrice) EventType() EventType {
	return EventTypeExchangeMarkPrice
}

func (m *ExchangeMarkPrice) MarketID() string {
	return m.Market
}

func (m *ExchangeMarkPrice) SourceSequence() int64 {
	return m.PriceSequence
}

// RecentTrade is a single public trade. The engine folds trades into the
// market's trade-average reading.
type RecentTrade struct {
	TradeID       string // Idempotency key
	Market        string
	Price         float64
	Quantity      float64
	TradeSequence int64
	Timestamp     time.Time // Versioned input timestamp (NOT wall-clock)
	MessageID     string
}

func (t *RecentTrade) IdempotencyKey() string {
	if t.TradeID == "" {
		return sequencedKey(t.Market, "trade", t.TradeSequence, unixMicro(t.Timestamp), t.MessageID)
	}
	return fmt.Sprintf("%s:trade:%s", t.Market, t.TradeID)
}

func (t *RecentTrade) EventType() EventType {
	return EventTypeRecentTrade
}

func (t *RecentTrade) MarketID() string {
	return t.Market
}

func (t *RecentTrade) SourceSequence() int64 {
	return t.TradeSequence
}

// TickerUpdate carries the close price of a rolling ticker window.
type TickerUpdate struct {
	Market         string
	ClosePrice     float64
	TickerSequence int64
	Timestamp      int64 // Epoch microseconds
	MessageID      string
}

func (t *TickerUpdate) IdempotencyKey() string {
	return sequencedKey(t.Market, "ticker", t.TickerSequence, t.Timestamp, t.MessageID)
}

func (t *TickerUpdate) EventType() EventType {
	return EventTypeTickerUpdate
}

func (t *TickerUpdate) MarketID() string {
	return t.Market
}

func (t *TickerUpdate) SourceSequence() int64 {
	return t.TickerSequence
}

// sequencedKey builds a dedup key from the upstream sequence, falling back to
// the event timestamp and then the transport message id. An event with none
// of them has no identity and gets an empty key: it cannot be deduplicated.
func sequencedKey(market, kind string, seq, tsMicro int64, msgID string) string {
	switch {
	case seq > 0:
		return fmt.Sprintf("%s:%s:%d", market, kind, seq)
	case tsMicro != 0:
		return fmt.Sprintf("%s:%s:ts:%d", market, kind, tsMicro)
	case msgID != "":
		return fmt.Sprintf("%s:%s:msg:%s", market, kind, msgID)
	}
	return ""
}

func unixMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
