package event

import (
	"PerpMark/internal/markprice"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MarketReset returns a market's cache to its initial state (replay restart,
// operator action). Idempotency key: ResetID.
type MarketReset struct {
	ResetID   uuid.UUID
	Market    string
	Reason    string
	Timestamp time.Time
}

func (r *MarketReset) IdempotencyKey() string {
	return r.ResetID.String()
}

func (r *MarketReset) EventType() EventType {
	return EventTypeMarketReset
}

func (r *MarketReset) MarketID() string {
	return r.Market
}

func (r *MarketReset) SourceSequence() int64 {
	return 0
}

// SourceDown reports that an adapter lost the stream feeding one source.
// The engine forgets that source's reading so the fallback tier can take over.
type SourceDown struct {
	Market string
	Source    markprice.Source
	At        time.Time
	MessageID string
}

func (d *SourceDown) IdempotencyKey() string {
	if d.At.IsZero() {
		if d.MessageID == "" {
			return ""
		}
		return fmt.Sprintf("%s:down:%s:msg:%s", d.Market, d.Source, d.MessageID)
	}
	return fmt.Sprintf("%s:down:%s:%d", d.Market, d.Source, d.At.UnixMicro())
}

func (d *SourceDown) EventType() EventType {
	return EventTypeSourceDown
}

func (d *SourceDown) MarketID() string {
	return d.Market
}

func (d *SourceDown) SourceSequence() int64 {
	return 0
}

// MarkPriceChanged is published whenever a submission becomes the mark price.
type MarkPriceChanged struct {
	EventID uuid.UUID
	Market  string
	Price   float64
	Source  markprice.Source
	SetAt   time.Time
}
