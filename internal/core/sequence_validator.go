package core

import (
	"PerpMark/internal/observability"
	"fmt"
	"strings"
)

// SequenceVerdict is the result of a price sequence check.
type SequenceVerdict int

const (
	SequenceNext SequenceVerdict = iota
	SequenceGap
	SequenceStale
	SequenceUnsequenced
)

// SequenceValidator tracks the last applied upstream sequence per
// (market, source) partition. Price streams tolerate gaps; a sequence that
// does not advance is stale and dropped.
// Not thread-safe: only accessed from the engine's event loop.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

func pricePartition(marketID, stream string) string {
	return fmt.Sprintf("price:%s:%s", marketID, stream)
}

// ValidatePriceSequence checks a price update's sequence and advances the
// partition when the update is accepted. Sequence 0 means the source does
// not sequence its updates; those always pass.
func (sv *SequenceValidator) ValidatePriceSequence(marketID, stream string, priceSequence int64) SequenceVerdict {
	if priceSequence <= 0 {
		return SequenceUnsequenced
	}

	partition := pricePartition(marketID, stream)
	expected, seen := sv.expectedNextSeq[partition]

	if seen && priceSequence < expected {
		if sv.metrics != nil {
			sv.metrics.PriceSequenceStale.WithLabelValues(marketID, stream).Inc()
		}
		return SequenceStale
	}

	sv.expectedNextSeq[partition] = priceSequence + 1

	if seen && priceSequence > expected {
		if sv.metrics != nil {
			sv.metrics.PriceSequenceGap.WithLabelValues(marketID, stream).Inc()
		}
		return SequenceGap
	}
	return SequenceNext
}

// ResetMarket forgets every partition of a market.
func (sv *SequenceValidator) ResetMarket(marketID string) {
	prefix := fmt.Sprintf("price:%s:", marketID)
	for partition := range sv.expectedNextSeq {
		if strings.HasPrefix(partition, prefix) {
			delete(sv.expectedNextSeq, partition)
		}
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(marketID, stream string) int64 {
	return sv.expectedNextSeq[pricePartition(marketID, stream)]
}
