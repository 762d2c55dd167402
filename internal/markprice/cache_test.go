package markprice_test

import (
	"PerpMark/internal/markprice"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestCache() (*markprice.Cache, *markprice.SimulatedClock) {
	clock := markprice.NewSimulatedClock(epoch)
	return markprice.NewCache(clock, markprice.DefaultValidityWindow), clock
}

func mustSubmit(t *testing.T, c *markprice.Cache, price float64, source markprice.Source, want bool) {
	t.Helper()
	if got := c.Submit(price, source); got != want {
		t.Fatalf("Submit(%v, %s): got %v, want %v", price, source, got, want)
	}
}

func assertMarkPrice(t *testing.T, c *markprice.Cache, want float64) {
	t.Helper()
	if got := c.Peek().Price; got != want {
		t.Fatalf("mark price: got %v, want %v", got, want)
	}
}

// assertAccepted checks the last acceptance was stamped with the current clock time.
func assertAccepted(t *testing.T, c *markprice.Cache, clock markprice.Clock) {
	t.Helper()
	snap := c.Peek()
	if !snap.SetAt.Equal(clock.Now()) {
		t.Errorf("set at: got %v, want %v", snap.SetAt, clock.Now())
	}
	if !snap.Ready {
		t.Error("ready should be set after an accepted submit")
	}
}

func TestNewCache_Initial(t *testing.T) {
	c, _ := newTestCache()
	snap := c.Peek()
	if snap.Price != 0 || !snap.SetAt.IsZero() {
		t.Fatalf("initial state: got price=%v setAt=%v, want zero values", snap.Price, snap.SetAt)
	}
	if snap.Ready {
		t.Fatal("ready should not be set on a new cache")
	}
	if len(snap.Readings) != 0 {
		t.Fatalf("readings: got %d, want 0", len(snap.Readings))
	}
}

func TestReset_ClearsState(t *testing.T) {
	c, _ := newTestCache()
	mustSubmit(t, c, 10, markprice.SourceExchangeMarkPrice, true)
	c.Submit(11, markprice.SourceTickerClosePrice)

	c.Reset()

	snap := c.Peek()
	if snap.Price != 0 || !snap.SetAt.IsZero() || snap.Ready {
		t.Fatalf("after reset: got %+v, want zero state", snap)
	}
	if len(snap.Readings) != 0 {
		t.Fatalf("readings after reset: got %d, want 0", len(snap.Readings))
	}
}

func TestSubmit_ExchangeMarkPrice(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 10, markprice.SourceExchangeMarkPrice, true)
	assertMarkPrice(t, c, 10)
	assertAccepted(t, c, clock)

	for _, p := range []float64{12, 9.5, 42.0000172} {
		clock.Advance(time.Second)
		mustSubmit(t, c, p, markprice.SourceExchangeMarkPrice, true)
		assertMarkPrice(t, c, p)
		assertAccepted(t, c, clock)
	}
}

func TestSubmit_SourcePriority(t *testing.T) {
	c, clock := newTestCache()

	mustSubmit(t, c, 10, markprice.SourceExchangeMarkPrice, true)
	assertMarkPrice(t, c, 10)
	assertAccepted(t, c, clock)

	// First trade average is a warm-up sample.
	mustSubmit(t, c, 25, markprice.SourceRecentTradeAverage, false)
	assertMarkPrice(t, c, 10)

	mustSubmit(t, c, 30, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 30)

	// Fresh trade average blocks the ticker.
	mustSubmit(t, c, 20, markprice.SourceTickerClosePrice, false)
	assertMarkPrice(t, c, 30)

	mustSubmit(t, c, 15, markprice.SourceExchangeMarkPrice, true)
	assertMarkPrice(t, c, 15)
}

func TestSubmit_TickerOnly(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 10, markprice.SourceTickerClosePrice, true)
	assertMarkPrice(t, c, 10)
	assertAccepted(t, c, clock)
}

func TestSubmit_TradeAverageOnly(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 10, markprice.SourceRecentTradeAverage, false)
	assertMarkPrice(t, c, 0)
	if c.Peek().Ready {
		t.Fatal("warm-up reading must not set ready")
	}

	mustSubmit(t, c, 25, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 25)
	assertAccepted(t, c, clock)
}

func TestSubmit_WarmupIgnoresPriceRelation(t *testing.T) {
	for _, second := range []float64{1, 100, 1000} {
		c, _ := newTestCache()
		mustSubmit(t, c, 100, markprice.SourceRecentTradeAverage, false)
		mustSubmit(t, c, second, markprice.SourceRecentTradeAverage, true)
		assertMarkPrice(t, c, second)
	}
}

func TestSubmit_TickerWithTradeAverageOutdated(t *testing.T) {
	c, clock := newTestCache()

	mustSubmit(t, c, 5, markprice.SourceRecentTradeAverage, false)
	assertMarkPrice(t, c, 0)
	mustSubmit(t, c, 10, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 10)
	assertAccepted(t, c, clock)

	mustSubmit(t, c, 40, markprice.SourceTickerClosePrice, false)
	assertMarkPrice(t, c, 10)
	mustSubmit(t, c, 20, markprice.SourceTickerClosePrice, false)
	assertMarkPrice(t, c, 10)

	// Trade-average slot cleared: ticker takes over.
	c.Forget(markprice.SourceRecentTradeAverage)
	mustSubmit(t, c, 40, markprice.SourceTickerClosePrice, true)
	assertMarkPrice(t, c, 40)
	assertAccepted(t, c, clock)

	// Trade average re-warms after being cleared.
	mustSubmit(t, c, 8, markprice.SourceRecentTradeAverage, false)
	assertMarkPrice(t, c, 40)
	if r := c.Peek().Readings[markprice.SourceRecentTradeAverage]; !r.WarmingUp() {
		t.Fatalf("trade average reading should be a warm-up sample, got %+v", r)
	}
	mustSubmit(t, c, 15, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 15)
	if r := c.Peek().Readings[markprice.SourceRecentTradeAverage]; r.WarmingUp() {
		t.Fatalf("trade average reading should carry its observation time, got %+v", r)
	}

	mustSubmit(t, c, 20, markprice.SourceTickerClosePrice, false)
	assertMarkPrice(t, c, 15)

	// Trade average ages out of the validity window.
	clock.Advance(markprice.DefaultValidityWindow)
	mustSubmit(t, c, 40, markprice.SourceTickerClosePrice, true)
	assertMarkPrice(t, c, 40)
	assertAccepted(t, c, clock)
}

func TestSubmit_TickerHeldWhileTradeAverageWarmingUp(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 5, markprice.SourceRecentTradeAverage, false)

	// A pending warm-up sample is neither absent nor expired.
	clock.Advance(2 * markprice.DefaultValidityWindow)
	mustSubmit(t, c, 7, markprice.SourceTickerClosePrice, false)
	assertMarkPrice(t, c, 0)

	if r, ok := c.Peek().Readings[markprice.SourceTickerClosePrice]; !ok || r.Price != 7 {
		t.Fatalf("held ticker reading should still be stored, got %+v (present=%v)", r, ok)
	}
}

func TestSubmit_ExchangeNotGatedByTradeAverage(t *testing.T) {
	c, _ := newTestCache()
	mustSubmit(t, c, 5, markprice.SourceRecentTradeAverage, false)
	mustSubmit(t, c, 6, markprice.SourceRecentTradeAverage, true)
	mustSubmit(t, c, 50, markprice.SourceExchangeMarkPrice, true)
	assertMarkPrice(t, c, 50)
	mustSubmit(t, c, 7, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 7)
}

func TestSubmit_UnknownSource(t *testing.T) {
	c, _ := newTestCache()
	if got := c.Arbitrate(10, markprice.SourceUnknown); got != markprice.OutcomeRejected {
		t.Fatalf("outcome: got %s, want rejected", got)
	}
	if snap := c.Peek(); snap.Price != 0 || len(snap.Readings) != 0 {
		t.Fatalf("unknown source must not change state, got %+v", snap)
	}
}

func TestReset_RestartsWarmup(t *testing.T) {
	c, _ := newTestCache()
	mustSubmit(t, c, 10, markprice.SourceRecentTradeAverage, false)
	mustSubmit(t, c, 11, markprice.SourceRecentTradeAverage, true)

	c.Reset()

	mustSubmit(t, c, 12, markprice.SourceRecentTradeAverage, false)
	assertMarkPrice(t, c, 0)
	mustSubmit(t, c, 13, markprice.SourceRecentTradeAverage, true)
	assertMarkPrice(t, c, 13)
}

func TestRead_NoValueTimesOut(t *testing.T) {
	c, _ := newTestCache()

	const timeout = 30 * time.Millisecond
	start := time.Now()
	_, err := c.Read(context.Background(), timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, markprice.ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > time.Second {
		t.Errorf("returned after %v, long after the %v timeout", elapsed, timeout)
	}
	if c.Peek().Ready {
		t.Error("ready must stay cleared after a timeout")
	}
}

func TestRead_Lifecycle(t *testing.T) {
	c, clock := newTestCache()
	ctx := context.Background()
	const timeout = 10 * time.Millisecond

	mustSubmit(t, c, 10, markprice.SourceExchangeMarkPrice, true)
	if got, err := c.Read(ctx, timeout); err != nil || got != 10 {
		t.Fatalf("Read: got (%v, %v), want (10, nil)", got, err)
	}
	if !c.Peek().Ready {
		t.Fatal("ready should stay set after a fresh read")
	}

	// Price ages past the validity window.
	clock.Advance(markprice.DefaultValidityWindow)
	if _, err := c.Read(ctx, timeout); !errors.Is(err, markprice.ErrTimeout) {
		t.Fatalf("stale Read: got %v, want ErrTimeout", err)
	}
	if c.Peek().Ready {
		t.Fatal("stale read must clear ready")
	}

	mustSubmit(t, c, 10, markprice.SourceExchangeMarkPrice, true)
	if got, err := c.Read(ctx, timeout); err != nil || got != 10 {
		t.Fatalf("Read after refresh: got (%v, %v), want (10, nil)", got, err)
	}

	// Replay clocks may move backwards; the value stays valid.
	clock.Set(epoch.Add(-time.Hour))
	if got, err := c.Read(ctx, timeout); err != nil || got != 10 {
		t.Fatalf("Read after clock moved back: got (%v, %v), want (10, nil)", got, err)
	}

	mustSubmit(t, c, 42.0000172, markprice.SourceExchangeMarkPrice, true)
	if got, err := c.Read(ctx, timeout); err != nil || got != 42.0000172 {
		t.Fatalf("Read new value: got (%v, %v), want (42.0000172, nil)", got, err)
	}
}

func TestRead_JustInsideWindow(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 3, markprice.SourceTickerClosePrice, true)

	clock.Advance(markprice.DefaultValidityWindow - time.Nanosecond)
	if got, err := c.Read(context.Background(), 0); err != nil || got != 3 {
		t.Fatalf("Read: got (%v, %v), want (3, nil)", got, err)
	}
}

func TestRead_WokenBySubmit(t *testing.T) {
	c, _ := newTestCache()

	type result struct {
		price float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.Read(context.Background(), 2*time.Second)
		done <- result{p, err}
	}()

	time.Sleep(20 * time.Millisecond)
	mustSubmit(t, c, 77, markprice.SourceExchangeMarkPrice, true)

	select {
	case r := <-done:
		if r.err != nil || r.price != 77 {
			t.Fatalf("Read: got (%v, %v), want (77, nil)", r.price, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by the accepted submit")
	}
}

func TestRead_HeldSubmitDoesNotWake(t *testing.T) {
	c, _ := newTestCache()
	mustSubmit(t, c, 1, markprice.SourceRecentTradeAverage, false)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), 50*time.Millisecond)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Submit(2, markprice.SourceTickerClosePrice) // held: warm-up pending

	if err := <-done; !errors.Is(err, markprice.ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
}

func TestRead_BroadcastWakesAllReaders(t *testing.T) {
	c, _ := newTestCache()

	const readers = 8
	var wg sync.WaitGroup
	results := make(chan float64, readers)
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Read(context.Background(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			results <- p
		}()
	}

	time.Sleep(30 * time.Millisecond)
	mustSubmit(t, c, 5, markprice.SourceTickerClosePrice, true)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("reader failed: %v", err)
	}
	n := 0
	for p := range results {
		n++
		if p != 5 {
			t.Errorf("reader got %v, want 5", p)
		}
	}
	if n != readers {
		t.Fatalf("woken readers: got %d, want %d", n, readers)
	}
}

func TestRead_ContextCancelled(t *testing.T) {
	c, _ := newTestCache()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx, 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err: got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not observe cancellation")
	}
}

func TestRead_ZeroTimeout(t *testing.T) {
	c, _ := newTestCache()
	if _, err := c.Read(context.Background(), 0); !errors.Is(err, markprice.ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
}

func TestSubmit_DoesNotBlockDuringPendingRead(t *testing.T) {
	c, _ := newTestCache()
	go c.Read(context.Background(), time.Second)
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Submit(1, markprice.SourceRecentTradeAverage)
		c.Submit(2, markprice.SourceTickerClosePrice)
		c.Peek()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("submit blocked while a read was pending")
	}
}

func TestSubmit_ConcurrentProducers(t *testing.T) {
	c, clock := newTestCache()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p float64) {
			defer wg.Done()
			c.Submit(p, markprice.SourceExchangeMarkPrice)
			c.Submit(p, markprice.SourceTickerClosePrice)
			c.Submit(p, markprice.SourceRecentTradeAverage)
		}(float64(i))
	}
	wg.Wait()

	snap := c.Peek()
	if snap.Price < 1 || snap.Price > 50 {
		t.Fatalf("mark price %v is not one of the submitted prices", snap.Price)
	}
	if !snap.SetAt.Equal(clock.Now()) || !snap.Ready {
		t.Fatalf("inconsistent snapshot after concurrent submits: %+v", snap)
	}
}

func TestValid_DoesNotClearReady(t *testing.T) {
	c, clock := newTestCache()
	mustSubmit(t, c, 9, markprice.SourceExchangeMarkPrice, true)
	if !c.Valid() {
		t.Fatal("fresh value should be valid")
	}
	clock.Advance(markprice.DefaultValidityWindow)
	if c.Valid() {
		t.Fatal("aged value should not be valid")
	}
	if !c.Peek().Ready {
		t.Fatal("Valid must not clear ready")
	}
}

type countingObserver struct {
	mu      sync.Mutex
	submits map[markprice.Outcome]int
	reads   map[markprice.ReadOutcome]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		submits: make(map[markprice.Outcome]int),
		reads:   make(map[markprice.ReadOutcome]int),
	}
}

func (o *countingObserver) ObserveSubmit(_ markprice.Source, _ float64, outcome markprice.Outcome) {
	o.mu.Lock()
	o.submits[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveRead(outcome markprice.ReadOutcome, _ time.Duration) {
	o.mu.Lock()
	o.reads[outcome]++
	o.mu.Unlock()
}

func TestObserver_ReceivesOutcomes(t *testing.T) {
	obs := newCountingObserver()
	clock := markprice.NewSimulatedClock(epoch)
	c := markprice.NewCache(clock, time.Minute, markprice.WithObserver(obs))

	c.Submit(1, markprice.SourceRecentTradeAverage)
	c.Submit(2, markprice.SourceRecentTradeAverage)
	c.Submit(3, markprice.SourceTickerClosePrice)
	c.Read(context.Background(), 0)
	clock.Advance(time.Minute)
	c.Read(context.Background(), 0)

	if obs.submits[markprice.OutcomeWarmup] != 1 || obs.submits[markprice.OutcomeAccepted] != 1 || obs.submits[markprice.OutcomeHeld] != 1 {
		t.Errorf("submit outcomes: got %v", obs.submits)
	}
	if obs.reads[markprice.ReadHit] != 1 || obs.reads[markprice.ReadTimeout] != 1 {
		t.Errorf("read outcomes: got %v", obs.reads)
	}
}

func TestNewCache_Defaults(t *testing.T) {
	c := markprice.NewCache(nil, 0)
	if c.ValidityWindow() != markprice.DefaultValidityWindow {
		t.Fatalf("validity: got %v, want %v", c.ValidityWindow(), markprice.DefaultValidityWindow)
	}
	mustSubmit(t, c, 1, markprice.SourceExchangeMarkPrice, true)
	if got, err := c.Read(context.Background(), 0); err != nil || got != 1 {
		t.Fatalf("Read with wall clock: got (%v, %v), want (1, nil)", got, err)
	}
}
