package ingestion

import (
	"PerpMark/internal/event"
	"PerpMark/internal/observability"
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Router resolves NATS subjects to event types by longest prefix.
type Router struct {
	prefixes map[string]string
}

// NewRouter builds a Router from subject configs. Subjects use the ">"
// wildcard, so they are matched by prefix with the trailing ".>" stripped.
func NewRouter(subjects []SubjectConfig) *Router {
	prefixes := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return &Router{prefixes: prefixes}
}

// Resolve returns the event type for subject, or "" if none matches.
func (r *Router) Resolve(subject string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range r.prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}

// RunParseLoop parses raw NATS messages and forwards typed events to out.
//
// Messages are acked after being handed to out (after parse+validate), not
// after engine processing, so slow processing never trips AckWait and a full
// out channel propagates backpressure to NATS. Unroutable and unparseable
// messages are acked and dropped.
func RunParseLoop(
	ctx context.Context,
	router *Router,
	rawChan <-chan RawEvent,
	out chan<- event.Event,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := router.Resolve(raw.Subject)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				raw.AckFunc()
				continue
			}

			evt, err := ParseRawEvent(raw, eventType)
			if err != nil {
				if metrics != nil {
					metrics.ParseFailures.WithLabelValues(eventType).Inc()
				}
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				raw.AckFunc()
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}
