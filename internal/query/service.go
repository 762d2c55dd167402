package query

import (
	"PerpMark/internal/core"
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"
)

// MarkPriceSource is the part of core.Engine the query service reads from.
type MarkPriceSource interface {
	Read(ctx context.Context, market string, timeout time.Duration) (float64, error)
	Peek(market string) (markprice.Snapshot, error)
	Valid(market string) (bool, error)
	Market(market string) (core.MarketSpec, bool)
	Markets() []string
	Clock() markprice.Clock
}

// DefaultReadTimeout applies when an HTTP caller does not pass timeout_ms.
const DefaultReadTimeout = time.Second

// MaxReadTimeout caps how long one HTTP or gRPC read may block.
const MaxReadTimeout = 30 * time.Second

// QueryService provides read-only access to the engine's mark prices.
// Reads never go to Postgres: the cache is the only source of truth.
type QueryService struct {
	engine  MarkPriceSource
	metrics *observability.Metrics
}

func NewQueryService(engine MarkPriceSource, metrics *observability.Metrics) *QueryService {
	return &QueryService{engine: engine, metrics: metrics}
}

// GetMarkPrice returns a fresh mark price, blocking up to timeout for one.
// A non-positive timeout checks the cache without waiting.
func (qs *QueryService) GetMarkPrice(ctx context.Context, market string, timeout time.Duration) (_ *MarkPriceResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("GetMarkPrice", start, err) }()

	if timeout > MaxReadTimeout {
		timeout = MaxReadTimeout
	}

	price, err := qs.engine.Read(ctx, market, timeout)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", market, err)
	}
	snap, err := qs.engine.Peek(market)
	if err != nil {
		return nil, err
	}

	return &MarkPriceResponse{
		MarketID: market,
		Price:    price,
		SetAt:    snap.SetAt,
		WaitedMs: time.Since(start).Milliseconds(),
	}, nil
}

// GetSnapshot returns the arbitration state of a market without blocking.
func (qs *QueryService) GetSnapshot(ctx context.Context, market string) (_ *SnapshotResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("GetSnapshot", start, err) }()

	spec, ok := qs.engine.Market(market)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, market)
	}
	snap, err := qs.engine.Peek(market)
	if err != nil {
		return nil, err
	}
	valid, err := qs.engine.Valid(market)
	if err != nil {
		return nil, err
	}

	now := qs.engine.Clock().Now()
	resp := &SnapshotResponse{
		MarketID:   market,
		Price:      snap.Price,
		Ready:      snap.Ready,
		Valid:      valid,
		ValidityMs: spec.ValidityWindow.Milliseconds(),
		ServerTime: now,
	}
	if !snap.SetAt.IsZero() {
		setAt := snap.SetAt
		age := now.Sub(setAt).Milliseconds()
		resp.SetAt = &setAt
		resp.AgeMs = &age
	}

	for _, src := range markprice.Sources {
		r, ok := snap.Readings[src]
		if !ok {
			continue
		}
		rr := ReadingResponse{Source: src.String(), Price: r.Price}
		if r.ObservedAt.IsZero() {
			rr.WarmingUp = src == markprice.SourceRecentTradeAverage
		} else {
			at := r.ObservedAt
			rr.ObservedAt = &at
		}
		resp.Readings = append(resp.Readings, rr)
	}
	if resp.Readings == nil {
		resp.Readings = []ReadingResponse{}
	}
	return resp, nil
}

// ListMarkets returns the status of every tracked market, sorted by id.
func (qs *QueryService) ListMarkets(ctx context.Context) (_ *ListMarketsResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("ListMarkets", start, err) }()

	resp := &ListMarketsResponse{Markets: []MarketStatus{}}
	for _, id := range qs.engine.Markets() {
		st, err := qs.Status(id)
		if err != nil {
			// Unregistered between Markets and Status
			continue
		}
		resp.Markets = append(resp.Markets, st)
	}
	return resp, nil
}

// Status reports whether a market currently has a valid mark price: ready
// and younger than its validity window on the engine clock.
func (qs *QueryService) Status(market string) (MarketStatus, error) {
	spec, ok := qs.engine.Market(market)
	if !ok {
		return MarketStatus{}, fmt.Errorf("%w: %s", core.ErrUnknownMarket, market)
	}
	snap, err := qs.engine.Peek(market)
	if err != nil {
		return MarketStatus{}, err
	}
	valid, err := qs.engine.Valid(market)
	if err != nil {
		return MarketStatus{}, err
	}
	return MarketStatus{
		MarketID:    market,
		Ready:       snap.Ready,
		Valid:       valid,
		Price:       snap.Price,
		ValidityMs:  spec.ValidityWindow.Milliseconds(),
		TradeWindow: spec.TradeWindow,
	}, nil
}

// ValidMarkets maps every tracked market to its Status validity. It backs
// the readiness endpoint and gRPC health.
func (qs *QueryService) ValidMarkets() map[string]bool {
	out := make(map[string]bool)
	for _, id := range qs.engine.Markets() {
		if st, err := qs.Status(id); err == nil {
			out[id] = st.Valid
		}
	}
	return out
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method, StatusLabel(err)).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// StatusLabel classifies an error for metrics and transport mapping.
func StatusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, markprice.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrUnknownMarket):
		return "not_found"
	case errors.Is(err, markprice.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
