package ingestion

import (
	"PerpMark/internal/core"
	"PerpMark/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// OutboundStream holds mark price change notifications.
	OutboundStream = "MARK_EVENTS"
	// OutboundSubjectPrefix is the root of outbound subjects:
	// mark.events.accepted.{market}
	OutboundSubjectPrefix = "mark.events"
)

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes accepted mark price changes to NATS for
// downstream consumers.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the JSON body of an outbound message.
type PublishableEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	MarketID       string    `json:"market_id"`
	Price          float64   `json:"price"`
	Source         string    `json:"source"`
	SetAt          time.Time `json:"set_at"`
	Trigger        string    `json:"trigger"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Changed == nil {
				continue
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: consumers can always read the current value over HTTP
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				op.logger.Warn().Err(err).Str("market", out.Changed.Market).Msg("outbound publish failed")
			}
		}
	}
}

// NewPublishableEvent converts an accepted core output into its wire form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	pe := PublishableEvent{
		EventID:   out.Changed.EventID.String(),
		EventType: "MarkPriceChanged",
		MarketID:  out.Changed.Market,
		Price:     out.Changed.Price,
		Source:    out.Changed.Source.String(),
		SetAt:     out.Changed.SetAt,
	}
	if out.Envelope != nil {
		pe.IdempotencyKey = out.Envelope.IdempotencyKey
		pe.Trigger = out.Envelope.EventType.String()
	}
	return pe
}

// OutboundSubject returns the subject a market's changes are published on.
func OutboundSubject(market string) string {
	return fmt.Sprintf("%s.accepted.%s", OutboundSubjectPrefix, market)
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	pe := NewPublishableEvent(out)
	data, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Deduplicated server-side by message id
	_, err = op.js.Publish(ctx, OutboundSubject(pe.MarketID), data, jetstream.WithMsgID(pe.EventID))
	return err
}
