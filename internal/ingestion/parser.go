package ingestion

import (
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. Prices are validated here, before they reach the engine.
// A payload without a market takes it from the last subject token
// (mark.prices.BTC-PERP).
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch eventType {
	case "ExchangeMarkPrice":
		evt, err = parseExchangeMarkPrice(raw)
	case "RecentTrade":
		evt, err = parseRecentTrade(raw)
	case "TickerUpdate":
		evt, err = parseTickerUpdate(raw)
	case "MarketReset":
		evt, err = parseMarketReset(raw)
	case "SourceDown":
		evt, err = parseSourceDown(raw)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	if err != nil {
		return nil, err
	}
	if evt.MarketID() == "" {
		return nil, fmt.Errorf("parse %s: %w: missing market", eventType, markprice.ErrInvalidInput)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type markPriceJSON struct {
	Market        string  `json:"market"`
	Price         float64 `json:"price"`
	PriceSequence int64   `json:"price_sequence"`
	TimestampUs   int64   `json:"timestamp_us"`
}

func parseExchangeMarkPrice(raw RawEvent) (*event.ExchangeMarkPrice, error) {
	var j markPriceJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse ExchangeMarkPrice: %w", err)
	}
	if err := markprice.ValidatePrice(j.Price); err != nil {
		return nil, fmt.Errorf("parse ExchangeMarkPrice: %w", err)
	}

	return &event.ExchangeMarkPrice{
		Market:         marketOr(j.Market, raw.Subject),
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.TimestampUs,
		MessageID:      raw.MsgID,
	}, nil
}

type tradeJSON struct {
	TradeID       string  `json:"trade_id"`
	Market        string  `json:"market"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	TradeSequence int64   `json:"trade_sequence"`
	TimestampUs   int64   `json:"timestamp_us"`
}

func parseRecentTrade(raw RawEvent) (*event.RecentTrade, error) {
	var j tradeJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse RecentTrade: %w", err)
	}
	if err := markprice.ValidatePrice(j.Price); err != nil {
		return nil, fmt.Errorf("parse RecentTrade: %w", err)
	}
	if j.Quantity < 0 {
		return nil, fmt.Errorf("parse RecentTrade: %w: negative quantity %v", markprice.ErrInvalidInput, j.Quantity)
	}

	return &event.RecentTrade{
		TradeID:       j.TradeID,
		Market:        marketOr(j.Market, raw.Subject),
		Price:         j.Price,
		Quantity:      j.Quantity,
		TradeSequence: j.TradeSequence,
		Timestamp:     microsToTime(j.TimestampUs),
		MessageID:     raw.MsgID,
	}, nil
}

type tickerJSON struct {
	Market         string  `json:"market"`
	ClosePrice     float64 `json:"close_price"`
	TickerSequence int64   `json:"ticker_sequence"`
	TimestampUs    int64   `json:"timestamp_us"`
}

func parseTickerUpdate(raw RawEvent) (*event.TickerUpdate, error) {
	var j tickerJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse TickerUpdate: %w", err)
	}
	if err := markprice.ValidatePrice(j.ClosePrice); err != nil {
		return nil, fmt.Errorf("parse TickerUpdate: %w", err)
	}

	return &event.TickerUpdate{
		Market:         marketOr(j.Market, raw.Subject),
		ClosePrice:     j.ClosePrice,
		TickerSequence: j.TickerSequence,
		Timestamp:      j.TimestampUs,
		MessageID:      raw.MsgID,
	}, nil
}

type marketResetJSON struct {
	ResetID     string `json:"reset_id"`
	Market      string `json:"market"`
	Reason      string `json:"reason"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMarketReset(raw RawEvent) (*event.MarketReset, error) {
	var j marketResetJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketReset: %w", err)
	}

	resetID := uuid.New()
	if j.ResetID != "" {
		id, err := uuid.Parse(j.ResetID)
		if err != nil {
			return nil, fmt.Errorf("parse reset_id: %w", err)
		}
		resetID = id
	}

	return &event.MarketReset{
		ResetID:   resetID,
		Market:    marketOr(j.Market, raw.Subject),
		Reason:    j.Reason,
		Timestamp: microsToTime(j.TimestampUs),
	}, nil
}

type sourceDownJSON struct {
	Market      string `json:"market"`
	Source      string `json:"source"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSourceDown(raw RawEvent) (*event.SourceDown, error) {
	var j sourceDownJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse SourceDown: %w", err)
	}
	source, err := markprice.ParseSource(j.Source)
	if err != nil {
		return nil, fmt.Errorf("parse SourceDown: %w: %v", markprice.ErrInvalidInput, err)
	}

	at := microsToTime(j.TimestampUs)
	if at.IsZero() {
		at = raw.Timestamp
	}

	return &event.SourceDown{
		Market:    marketOr(j.Market, raw.Subject),
		Source:    source,
		At:        at,
		MessageID: raw.MsgID,
	}, nil
}

// marketOr returns market, or the last token of a multi-token subject.
func marketOr(market, subject string) string {
	if market != "" {
		return market
	}
	if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
		return subject[i+1:]
	}
	return ""
}

func microsToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}
