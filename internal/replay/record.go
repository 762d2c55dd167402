package replay

import (
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one line of a JSON-lines recording.
//
//	{"ts_us":1700000000000000,"type":"trade","market":"BTC-PERP","price":65000.5,"trade_id":"1"}
//
// type accepts the short names (mark, trade, ticker, reset, down) and the
// event type names (ExchangeMarkPrice, RecentTrade, ...).
type Record struct {
	TsUs     int64   `json:"ts_us"`
	Type     string  `json:"type"`
	Market   string  `json:"market"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity,omitempty"`
	Seq      int64   `json:"seq,omitempty"`
	TradeID  string  `json:"trade_id,omitempty"`
	ResetID  string  `json:"reset_id,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Source   string  `json:"source,omitempty"`
}

var shortTypes = map[string]event.EventType{
	"mark":   event.EventTypeExchangeMarkPrice,
	"trade":  event.EventTypeRecentTrade,
	"ticker": event.EventTypeTickerUpdate,
	"reset":  event.EventTypeMarketReset,
	"down":   event.EventTypeSourceDown,
}

// Time returns the record's timestamp, zero when ts_us is unset.
func (r Record) Time() time.Time {
	if r.TsUs == 0 {
		return time.Time{}
	}
	return time.UnixMicro(r.TsUs).UTC()
}

// EventType resolves the record's type field.
func (r Record) EventType() event.EventType {
	if et, ok := shortTypes[strings.ToLower(r.Type)]; ok {
		return et
	}
	return event.ParseEventType(r.Type)
}

// Event converts the record into the inbound event it describes.
func (r Record) Event() (event.Event, error) {
	if r.Market == "" {
		return nil, fmt.Errorf("%w: missing market", markprice.ErrInvalidInput)
	}

	switch r.EventType() {
	case event.EventTypeExchangeMarkPrice:
		if err := markprice.ValidatePrice(r.Price); err != nil {
			return nil, err
		}
		return &event.ExchangeMarkPrice{
			Market:         r.Market,
			Price:          r.Price,
			PriceSequence:  r.Seq,
			PriceTimestamp: r.TsUs,
		}, nil

	case event.EventTypeRecentTrade:
		if err := markprice.ValidatePrice(r.Price); err != nil {
			return nil, err
		}
		return &event.RecentTrade{
			TradeID:       r.TradeID,
			Market:        r.Market,
			Price:         r.Price,
			Quantity:      r.Quantity,
			TradeSequence: r.Seq,
			Timestamp:     r.Time(),
		}, nil

	case event.EventTypeTickerUpdate:
		if err := markprice.ValidatePrice(r.Price); err != nil {
			return nil, err
		}
		return &event.TickerUpdate{
			Market:         r.Market,
			ClosePrice:     r.Price,
			TickerSequence: r.Seq,
			Timestamp:      r.TsUs,
		}, nil

	case event.EventTypeMarketReset:
		id := uuid.New()
		if r.ResetID != "" {
			parsed, err := uuid.Parse(r.ResetID)
			if err != nil {
				return nil, fmt.Errorf("%w: reset_id: %v", markprice.ErrInvalidInput, err)
			}
			id = parsed
		}
		return &event.MarketReset{
			ResetID:   id,
			Market:    r.Market,
			Reason:    r.Reason,
			Timestamp: r.Time(),
		}, nil

	case event.EventTypeSourceDown:
		source, err := markprice.ParseSource(r.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", markprice.ErrInvalidInput, err)
		}
		return &event.SourceDown{Market: r.Market, Source: source, At: r.Time()}, nil
	}

	return nil, fmt.Errorf("%w: unknown record type %q", markprice.ErrInvalidInput, r.Type)
}
