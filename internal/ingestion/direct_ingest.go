package ingestion

import (
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DirectIngestService injects events from the HTTP surface into the engine's
// event channel. It is meant for operators and tests, not throughput (use
// NATS for that).
type DirectIngestService struct {
	eventChan chan<- event.Event
	clock     markprice.Clock
}

func NewDirectIngestService(eventChan chan<- event.Event, clock markprice.Clock) *DirectIngestService {
	if clock == nil {
		clock = markprice.WallClock{}
	}
	return &DirectIngestService{eventChan: eventChan, clock: clock}
}

// InjectPrice submits a price reading for one source. A trade-average price
// enters as a single trade, so it is folded into the market's trade window.
func (s *DirectIngestService) InjectPrice(ctx context.Context, market string, source markprice.Source, price float64) error {
	if market == "" {
		return fmt.Errorf("%w: missing market", markprice.ErrInvalidInput)
	}
	if err := markprice.ValidatePrice(price); err != nil {
		return err
	}

	now := s.clock.Now()
	var evt event.Event
	switch source {
	case markprice.SourceExchangeMarkPrice:
		evt = &event.ExchangeMarkPrice{
			Market:         market,
			Price:          price,
			PriceTimestamp: now.UnixMicro(),
		}
	case markprice.SourceRecentTradeAverage:
		evt = &event.RecentTrade{
			TradeID:   "direct-" + uuid.NewString(),
			Market:    market,
			Price:     price,
			Timestamp: now,
		}
	case markprice.SourceTickerClosePrice:
		evt = &event.TickerUpdate{
			Market:     market,
			ClosePrice: price,
			Timestamp:  now.UnixMicro(),
		}
	default:
		return fmt.Errorf("%w: unknown source %s", markprice.ErrInvalidInput, source)
	}

	return s.send(ctx, evt)
}

// InjectReset resets a market's cache.
func (s *DirectIngestService) InjectReset(ctx context.Context, market, reason string) (uuid.UUID, error) {
	if market == "" {
		return uuid.Nil, fmt.Errorf("%w: missing market", markprice.ErrInvalidInput)
	}
	evt := &event.MarketReset{
		ResetID:   uuid.New(),
		Market:    market,
		Reason:    reason,
		Timestamp: s.clock.Now(),
	}
	return evt.ResetID, s.send(ctx, evt)
}

// InjectSourceDown forgets a source's reading on a market.
func (s *DirectIngestService) InjectSourceDown(ctx context.Context, market string, source markprice.Source) error {
	if !source.Valid() {
		return fmt.Errorf("%w: unknown source %s", markprice.ErrInvalidInput, source)
	}
	return s.send(ctx, &event.SourceDown{Market: market, Source: source, At: s.clock.Now()})
}

func (s *DirectIngestService) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
