package feed

import (
	"PerpMark/internal/event"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Binance USDⓈ-M futures combined-stream payloads. Field tags mirror the
// exchange's single-letter keys. Keys that differ only by case (p/P, c/C,
// q/Q) are all declared so encoding/json's case-insensitive fallback never
// assigns one to the other.

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type payloadHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type markPricePayload struct {
	payloadHeader
	MarkPrice       string `json:"p"`
	SettlePrice     string `json:"P"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type aggTradePayload struct {
	payloadHeader
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerMaker   bool   `json:"m"`
}

type tickerPayload struct {
	payloadHeader
	PriceChange    string `json:"p"`
	PriceChangePct string `json:"P"`
	ClosePrice     string `json:"c"`
	CloseQty       string `json:"Q"`
	OpenPrice      string `json:"o"`
	QuoteVolume    string `json:"q"`
	OpenTime       int64  `json:"O"`
	CloseTime      int64  `json:"C"`
	LastTradeID    int64  `json:"L"`
	LowPrice       string `json:"l"`
}

// streamNames returns the three streams subscribed per symbol.
func streamNames(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{s + "@markPrice@1s", s + "@aggTrade", s + "@ticker"}
}

// decodeMessage maps one combined-stream frame to an event. It returns
// (nil, nil) for frames about symbols that are not tracked and for stream
// kinds the feed does not use.
func decodeMessage(msg []byte, markets map[string]string) (event.Event, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		// Subscription acks and other control frames
		return nil, nil
	}

	var hdr payloadHeader
	if err := json.Unmarshal(env.Data, &hdr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Stream, err)
	}
	market, ok := markets[strings.ToUpper(hdr.Symbol)]
	if !ok {
		return nil, nil
	}

	switch hdr.Event {
	case "markPriceUpdate":
		var p markPricePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode markPriceUpdate: %w", err)
		}
		px, err := parsePrice(p.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("markPriceUpdate %s: %w", hdr.Symbol, err)
		}
		return &event.ExchangeMarkPrice{
			Market:         market,
			Price:          px,
			PriceSequence:  p.EventTime,
			PriceTimestamp: p.EventTime * 1000,
		}, nil

	case "aggTrade":
		var p aggTradePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode aggTrade: %w", err)
		}
		px, err := parsePrice(p.Price)
		if err != nil {
			return nil, fmt.Errorf("aggTrade %s: %w", hdr.Symbol, err)
		}
		qty, err := strconv.ParseFloat(p.Quantity, 64)
		if err != nil {
			return nil, fmt.Errorf("aggTrade %s quantity: %w", hdr.Symbol, err)
		}
		return &event.RecentTrade{
			TradeID:       strconv.FormatInt(p.AggTradeID, 10),
			Market:        market,
			Price:         px,
			Quantity:      qty,
			TradeSequence: p.AggTradeID,
			Timestamp:     time.UnixMilli(p.TradeTime),
		}, nil

	case "24hrTicker":
		var p tickerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode 24hrTicker: %w", err)
		}
		px, err := parsePrice(p.ClosePrice)
		if err != nil {
			return nil, fmt.Errorf("24hrTicker %s: %w", hdr.Symbol, err)
		}
		return &event.TickerUpdate{
			Market:         market,
			ClosePrice:     px,
			TickerSequence: p.EventTime,
			Timestamp:      p.EventTime * 1000,
		}, nil
	}

	return nil, nil
}

func parsePrice(s string) (float64, error) {
	px, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return px, nil
}
