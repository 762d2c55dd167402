package core

import (
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownMarket is returned for events and reads naming a market that is
// not tracked.
var ErrUnknownMarket = errors.New("unknown market")

// ErrStaleSequence is returned by ProcessEvent when a price update does not
// advance its stream's sequence. The update is dropped.
var ErrStaleSequence = errors.New("stale price sequence")

// MarketSpec configures one tracked market.
type MarketSpec struct {
	Market         string
	ValidityWindow time.Duration // 0 = engine default
	TradeWindow    int           // 0 = engine default
}

// Config holds engine-wide defaults.
type Config struct {
	ValidityWindow      time.Duration
	TradeWindow         int
	IdempotencyCapacity int
	// AutoRegister tracks unknown markets on first event instead of rejecting them.
	AutoRegister bool
}

// CoreOutput is emitted for every applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Outcome  markprice.Outcome
	// Changed is set when the event produced a new mark price.
	Changed *event.MarkPriceChanged
}

type trackedMarket struct {
	spec   MarketSpec
	cache  *markprice.Cache
	trades *TradeWindow
}

// Engine owns one mark price cache per tracked market and applies inbound
// events to them.
//
// ProcessEvent must be called from a single goroutine (the event loop).
// Read, Peek, Valid and Markets are safe to call from any goroutine.
type Engine struct {
	clock   markprice.Clock
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	markets map[string]*trackedMarket

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// NewEngine creates an engine. Either output channel may be nil.
func NewEngine(
	clock markprice.Clock,
	cfg Config,
	persistChan, publishChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if clock == nil {
		clock = markprice.WallClock{}
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = markprice.DefaultValidityWindow
	}
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = 100
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}

	return &Engine{
		clock:             clock,
		cfg:               cfg,
		metrics:           metrics,
		logger:            logger,
		markets:           make(map[string]*trackedMarket),
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// RegisterMarket starts tracking a market. Registering a tracked market again
// is a no-op and keeps its current state.
func (e *Engine) RegisterMarket(spec MarketSpec) error {
	if spec.Market == "" {
		return fmt.Errorf("register market: %w: empty market id", markprice.ErrInvalidInput)
	}
	if spec.ValidityWindow <= 0 {
		spec.ValidityWindow = e.cfg.ValidityWindow
	}
	if spec.TradeWindow <= 0 {
		spec.TradeWindow = e.cfg.TradeWindow
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.markets[spec.Market]; ok {
		return nil
	}

	var opts []markprice.Option
	if e.metrics != nil {
		opts = append(opts, markprice.WithObserver(e.metrics.CacheObserver(spec.Market)))
	}
	e.markets[spec.Market] = &trackedMarket{
		spec:   spec,
		cache:  markprice.NewCache(e.clock, spec.ValidityWindow, opts...),
		trades: NewTradeWindow(spec.TradeWindow),
	}
	if e.metrics != nil {
		e.metrics.TrackedMarkets.Set(float64(len(e.markets)))
		e.metrics.MarketReady.WithLabelValues(spec.Market).Set(0)
	}

	e.logger.Info().
		Str("market", spec.Market).
		Dur("validity_window", spec.ValidityWindow).
		Int("trade_window", spec.TradeWindow).
		Msg("market registered")
	return nil
}

func (e *Engine) market(id string) (*trackedMarket, bool) {
	e.mu.RLock()
	m, ok := e.markets[id]
	e.mu.RUnlock()
	return m, ok
}

func (e *Engine) resolveMarket(id string) (*trackedMarket, error) {
	if m, ok := e.market(id); ok {
		return m, nil
	}
	if !e.cfg.AutoRegister {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	if err := e.RegisterMarket(MarketSpec{Market: id}); err != nil {
		return nil, err
	}
	m, _ := e.market(id)
	return m, nil
}

// ProcessEvent is the main processing pipeline
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Input validation
	if err := validateEvent(evt); err != nil {
		e.reject(eventType, "invalid")
		return err
	}

	m, err := e.resolveMarket(evt.MarketID())
	if err != nil {
		e.reject(eventType, "unknown_market")
		return err
	}

	// Step 2: Idempotency check (two-tier). Events without a key are always applied.
	if idempotencyKey != "" && e.idempotency.IsDuplicate(ctx, eventType, idempotencyKey) {
		e.reject(eventType, "duplicate")
		return nil
	}

	// Step 3: Sequence validation (price streams only, gaps tolerated)
	if stream, ok := priceStream(evt); ok {
		verdict := e.sequenceValidator.ValidatePriceSequence(m.spec.Market, stream, evt.SourceSequence())
		switch verdict {
		case SequenceStale:
			e.reject(eventType, "stale_sequence")
			return fmt.Errorf("%w: market=%s stream=%s seq=%d", ErrStaleSequence, m.spec.Market, stream, evt.SourceSequence())
		case SequenceGap:
			e.logger.Debug().
				Str("market", m.spec.Market).
				Str("stream", stream).
				Int64("seq", evt.SourceSequence()).
				Msg("price sequence gap")
		}
	}

	// Step 4: Dispatch
	outcome, source := e.dispatch(m, evt)

	// Step 5: Emit outputs
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			MarketID:       m.spec.Market,
			Timestamp:      eventTimestamp(evt),
			SourceSequence: evt.SourceSequence(),
			ProcessedAt:    e.clock.Now(),
		},
		Outcome: outcome,
	}
	if outcome == markprice.OutcomeAccepted {
		snap := m.cache.Peek()
		output.Changed = &event.MarkPriceChanged{
			EventID: uuid.New(),
			Market:  m.spec.Market,
			Price:   snap.Price,
			Source:  source,
			SetAt:   snap.SetAt,
		}
	}

	// Persistence: blocking send, the loop stalls until the dedup worker drains.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Publishing: non-blocking, dropped when full.
	if output.Changed != nil && e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 6: Mark as processed
	if idempotencyKey != "" {
		e.idempotency.MarkProcessed(eventType, idempotencyKey)
	}

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (e *Engine) dispatch(m *trackedMarket, evt event.Event) (markprice.Outcome, markprice.Source) {
	switch ev := evt.(type) {
	case *event.ExchangeMarkPrice:
		return m.cache.Arbitrate(ev.Price, markprice.SourceExchangeMarkPrice), markprice.SourceExchangeMarkPrice

	case *event.RecentTrade:
		m.trades.Push(ev.Price)
		avg := markprice.Average(m.trades.Prices())
		return m.cache.Arbitrate(avg, markprice.SourceRecentTradeAverage), markprice.SourceRecentTradeAverage

	case *event.TickerUpdate:
		return m.cache.Arbitrate(ev.ClosePrice, markprice.SourceTickerClosePrice), markprice.SourceTickerClosePrice

	case *event.MarketReset:
		e.resetMarket(m)
		e.logger.Info().Str("market", m.spec.Market).Str("reason", ev.Reason).Msg("market reset")
		return markprice.OutcomeRejected, markprice.SourceUnknown

	case *event.SourceDown:
		m.cache.Forget(ev.Source)
		if ev.Source == markprice.SourceRecentTradeAverage {
			m.trades.Clear()
		}
		e.logger.Warn().Str("market", m.spec.Market).Stringer("source", ev.Source).Msg("source down, reading forgotten")
		return markprice.OutcomeRejected, ev.Source
	}

	return markprice.OutcomeRejected, markprice.SourceUnknown
}

func (e *Engine) resetMarket(m *trackedMarket) {
	m.cache.Reset()
	m.trades.Clear()
	e.sequenceValidator.ResetMarket(m.spec.Market)
	if e.metrics != nil {
		e.metrics.MarketReady.WithLabelValues(m.spec.Market).Set(0)
	}
}

// ResetAll returns every tracked market to its initial state and forgets the
// in-memory dedup keys, so a recording can be replayed again. It must be
// called from the event loop goroutine (or while no events are processed).
func (e *Engine) ResetAll() {
	e.mu.RLock()
	markets := make([]*trackedMarket, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.RUnlock()

	for _, m := range markets {
		e.resetMarket(m)
	}
	e.idempotency.ResetLRU()
	e.logger.Info().Int("markets", len(markets)).Msg("all markets reset")
}

// WarmLRU loads processed idempotency keys of one event type into the LRU.
func (e *Engine) WarmLRU(eventType string, keys []string) {
	e.idempotency.Warm(eventType, keys)
}

func (e *Engine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// Read returns the market's mark price, waiting up to timeout for a fresh one.
func (e *Engine) Read(ctx context.Context, market string, timeout time.Duration) (float64, error) {
	m, ok := e.market(market)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return m.cache.Read(ctx, timeout)
}

// Peek returns the market's cache state without blocking.
func (e *Engine) Peek(market string) (markprice.Snapshot, error) {
	m, ok := e.market(market)
	if !ok {
		return markprice.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return m.cache.Peek(), nil
}

// Valid reports whether a Read on market would return without waiting.
func (e *Engine) Valid(market string) (bool, error) {
	m, ok := e.market(market)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return m.cache.Valid(), nil
}

// Market returns a tracked market's effective spec.
func (e *Engine) Market(market string) (MarketSpec, bool) {
	m, ok := e.market(market)
	if !ok {
		return MarketSpec{}, false
	}
	return m.spec, true
}

// Markets returns the tracked market ids in sorted order.
func (e *Engine) Markets() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Clock returns the engine's time source.
func (e *Engine) Clock() markprice.Clock {
	return e.clock
}

// IdempotencyStats returns the dedup counters. Event loop goroutine only.
func (e *Engine) IdempotencyStats() IdempotencyStats {
	return e.idempotency.Stats()
}

// Run drains events until ctx ends or events is closed. Processing errors are
// logged and do not stop the loop.
func (e *Engine) Run(ctx context.Context, events <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.ProcessEvent(ctx, evt); err != nil {
				lvl := e.logger.Warn()
				if errors.Is(err, ErrStaleSequence) {
					lvl = e.logger.Debug()
				}
				lvl.Err(err).
					Stringer("event_type", evt.EventType()).
					Str("key", evt.IdempotencyKey()).
					Msg("process event failed")
			}
		}
	}
}

// priceStream returns the sequence partition of events that carry a price.
func priceStream(evt event.Event) (string, bool) {
	switch evt.(type) {
	case *event.ExchangeMarkPrice:
		return "mark", true
	case *event.RecentTrade:
		return "trade", true
	case *event.TickerUpdate:
		return "ticker", true
	}
	return "", false
}

func validateEvent(evt event.Event) error {
	if evt.MarketID() == "" {
		return fmt.Errorf("%w: %s without market", markprice.ErrInvalidInput, evt.EventType())
	}
	switch ev := evt.(type) {
	case *event.ExchangeMarkPrice:
		return markprice.ValidatePrice(ev.Price)
	case *event.RecentTrade:
		return markprice.ValidatePrice(ev.Price)
	case *event.TickerUpdate:
		return markprice.ValidatePrice(ev.ClosePrice)
	case *event.SourceDown:
		if !ev.Source.Valid() {
			return fmt.Errorf("%w: source down for %s", markprice.ErrInvalidInput, ev.Source)
		}
	case *event.MarketReset:
		if ev.ResetID == uuid.Nil {
			return fmt.Errorf("%w: market reset without id", markprice.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported event %T", markprice.ErrInvalidInput, evt)
	}
	return nil
}

// eventTimestamp extracts the versioned timestamp carried by the event.
func eventTimestamp(evt event.Event) time.Time {
	switch ev := evt.(type) {
	case *event.ExchangeMarkPrice:
		return time.UnixMicro(ev.PriceTimestamp)
	case *event.RecentTrade:
		return ev.Timestamp
	case *event.TickerUpdate:
		return time.UnixMicro(ev.Timestamp)
	case *event.MarketReset:
		return ev.Timestamp
	case *event.SourceDown:
		return ev.At
	}
	return time.Time{}
}
