// Package markprice holds the per-instrument mark price cache: it arbitrates
// readings from several price sources into one current value and lets
// consumers wait, with a bound, until a fresh value exists.
package markprice

import (
	"context"
	"sync"
	"time"
)

// DefaultValidityWindow is how long an accepted mark price (and a trade-average
// reading, for ticker gating) stays fresh.
const DefaultValidityWindow = 5 * time.Minute

// Outcome is the arbitration result of a single Submit.
type Outcome int

const (
	// OutcomeRejected means the source was not recognised; nothing was stored.
	OutcomeRejected Outcome = iota
	// OutcomeAccepted means the price became the mark price.
	OutcomeAccepted
	// OutcomeWarmup means a trade-average reading was held as the warm-up sample.
	OutcomeWarmup
	// OutcomeHeld means a ticker reading was stored but a fresh trade average takes precedence.
	OutcomeHeld
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeWarmup:
		return "warmup"
	case OutcomeHeld:
		return "held"
	default:
		return "rejected"
	}
}

// ReadOutcome describes how a Read call finished.
type ReadOutcome int

const (
	// ReadHit means a fresh value was returned without waiting.
	ReadHit ReadOutcome = iota
	// ReadWoken means the caller waited and was woken by an accepted submit.
	ReadWoken
	// ReadTimeout means the wait ended with ErrTimeout.
	ReadTimeout
	// ReadCancelled means the caller's context ended the wait.
	ReadCancelled
)

func (o ReadOutcome) String() string {
	switch o {
	case ReadHit:
		return "hit"
	case ReadWoken:
		return "woken"
	case ReadTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// Observer receives arbitration and read results. Calls are made without the
// cache lock held and must not block.
type Observer interface {
	ObserveSubmit(source Source, price float64, outcome Outcome)
	ObserveRead(outcome ReadOutcome, waited time.Duration)
}

// Snapshot is a point-in-time copy of the cache state.
type Snapshot struct {
	Price    float64
	SetAt    time.Time
	Ready    bool
	Readings map[Source]Reading
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// Cache is the mark price record of a single instrument. It is safe for
// concurrent use by any number of producers and consumers.
type Cache struct {
	clock    Clock
	validity time.Duration
	observer Observer

	mu             sync.Mutex
	markPrice      float64
	markPriceSetAt time.Time
	readings       map[Source]Reading
	ready          bool
	// readyCh is closed while ready is set and replaced by an open channel when
	// readiness is cleared. Waiters park on the channel they observed.
	readyCh chan struct{}
}

// NewCache creates an empty cache. A non-positive validity uses DefaultValidityWindow.
func NewCache(clock Clock, validity time.Duration, opts ...Option) *Cache {
	if clock == nil {
		clock = WallClock{}
	}
	if validity <= 0 {
		validity = DefaultValidityWindow
	}
	c := &Cache{
		clock:    clock,
		validity: validity,
		readings: make(map[Source]Reading, len(Sources)),
		readyCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidityWindow returns the configured freshness window.
func (c *Cache) ValidityWindow() time.Duration {
	return c.validity
}

// Submit arbitrates a reading and reports whether it became the mark price.
func (c *Cache) Submit(price float64, source Source) bool {
	return c.Arbitrate(price, source) == OutcomeAccepted
}

// Arbitrate is Submit with the detailed outcome.
func (c *Cache) Arbitrate(price float64, source Source) Outcome {
	c.mu.Lock()
	outcome := c.arbitrateLocked(price, source)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObserveSubmit(source, price, outcome)
	}
	return outcome
}

func (c *Cache) arbitrateLocked(price float64, source Source) Outcome {
	now := c.clock.Now()

	switch source {
	case SourceExchangeMarkPrice:
		c.readings[source] = Reading{Price: price, ObservedAt: now}
		c.acceptLocked(price, now)
		return OutcomeAccepted

	case SourceRecentTradeAverage:
		if _, ok := c.readings[source]; !ok {
			// First sample of a warm-up cycle is held, never displayed.
			// Its zero ObservedAt marks the slot as warming up.
			c.readings[source] = Reading{Price: price}
			return OutcomeWarmup
		}
		c.readings[source] = Reading{Price: price, ObservedAt: now}
		c.acceptLocked(price, now)
		return OutcomeAccepted

	case SourceTickerClosePrice:
		rt, ok := c.readings[SourceRecentTradeAverage]
		c.readings[source] = Reading{Price: price, ObservedAt: now}
		if !ok || (!rt.WarmingUp() && now.Sub(rt.ObservedAt) >= c.validity) {
			c.acceptLocked(price, now)
			return OutcomeAccepted
		}
		return OutcomeHeld

	default:
		return OutcomeRejected
	}
}

func (c *Cache) acceptLocked(price float64, now time.Time) {
	c.markPrice = price
	c.markPriceSetAt = now
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

func (c *Cache) clearReadyLocked() {
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
}

// Read returns the mark price if it is ready and younger than the validity window.
// Otherwise it clears readiness and waits for the next accepted Submit, up to
// timeout. It returns ErrTimeout when the wait runs out and ctx.Err() when ctx ends first.
func (c *Cache) Read(ctx context.Context, timeout time.Duration) (float64, error) {
	start := time.Now()

	c.mu.Lock()
	now := c.clock.Now()
	if c.ready && now.Sub(c.markPriceSetAt) < c.validity {
		price := c.markPrice
		c.mu.Unlock()
		c.observeRead(ReadHit, 0)
		return price, nil
	}
	c.clearReadyLocked()
	wait := c.readyCh
	c.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-wait:
			return c.woken(start)
		default:
			c.observeRead(ReadTimeout, time.Since(start))
			return 0, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return c.woken(start)
	case <-timer.C:
		c.observeRead(ReadTimeout, time.Since(start))
		return 0, ErrTimeout
	case <-ctx.Done():
		c.observeRead(ReadCancelled, time.Since(start))
		return 0, ctx.Err()
	}
}

func (c *Cache) woken(start time.Time) (float64, error) {
	c.mu.Lock()
	price := c.markPrice
	c.mu.Unlock()
	c.observeRead(ReadWoken, time.Since(start))
	return price, nil
}

func (c *Cache) observeRead(outcome ReadOutcome, waited time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRead(outcome, waited)
	}
}

// Reset returns the cache to its initial state. The trade-average source
// re-enters its warm-up cycle.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.markPrice = 0
	c.markPriceSetAt = time.Time{}
	c.clearReadyLocked()
	for s := range c.readings {
		delete(c.readings, s)
	}
}

// Forget drops the stored reading of one source, as if it had never reported.
// The mark price and readiness are left untouched.
func (c *Cache) Forget(source Source) {
	c.mu.Lock()
	delete(c.readings, source)
	c.mu.Unlock()
}

// Valid reports whether Read would return immediately right now. It does not
// clear readiness.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && c.clock.Now().Sub(c.markPriceSetAt) < c.validity
}

// Peek copies the current state without blocking or re-validating it.
func (c *Cache) Peek() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	readings := make(map[Source]Reading, len(c.readings))
	for s, r := range c.readings {
		readings[s] = r
	}
	return Snapshot{
		Price:    c.markPrice,
		SetAt:    c.markPriceSetAt,
		Ready:    c.ready,
		Readings: readings,
	}
}
