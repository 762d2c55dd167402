package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeExchangeMarkPrice
	EventTypeRecentTrade
	EventTypeTickerUpdate
	EventTypeMarketReset
	EventTypeSourceDown
	EventTypeMarkPriceChanged
)

// EventEnvelope records one processed event.
type EventEnvelope struct {
	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market the event applies to
	MarketID string

	// Versioned input timestamp carried by the event (zero if the source had none)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 = unsequenced)
	SourceSequence int64

	// Engine clock reading when the event was applied
	ProcessedAt time.Time
}

// Event is the interface all inbound event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key, or "" when the event
	// carries nothing to identify it by
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market the event applies to
	MarketID() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeExchangeMarkPrice:
		return "ExchangeMarkPrice"
	case EventTypeRecentTrade:
		return "RecentTrade"
	case EventTypeTickerUpdate:
		return "TickerUpdate"
	case EventTypeMarketReset:
		return "MarketReset"
	case EventTypeSourceDown:
		return "SourceDown"
	case EventTypeMarkPriceChanged:
		return "MarkPriceChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a String() name back to its EventType.
func ParseEventType(name string) EventType {
	for et := EventTypeExchangeMarkPrice; et <= EventTypeMarkPriceChanged; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
