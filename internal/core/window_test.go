package core_test

import (
	"PerpMark/internal/core"
	"reflect"
	"testing"
)

func TestTradeWindow_Ring(t *testing.T) {
	w := core.NewTradeWindow(3)
	if got := w.Prices(); len(got) != 0 {
		t.Fatalf("empty window: got %v", got)
	}

	w.Push(1)
	w.Push(2)
	if got, want := w.Prices(), []float64{1, 2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	w.Push(3)
	w.Push(4)
	w.Push(5)
	if got, want := w.Prices(), []float64{3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if w.Len() != 3 {
		t.Fatalf("len: got %d, want 3", w.Len())
	}

	w.Clear()
	if w.Len() != 0 || len(w.Prices()) != 0 {
		t.Fatalf("cleared window: got %v", w.Prices())
	}
	w.Push(9)
	if got, want := w.Prices(), []float64{9}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || !lru.Contains("c") {
		t.Fatal("a and c should be present")
	}
	if lru.Contains("b") {
		t.Fatal("b should have been evicted")
	}
	if lru.Evictions() != 1 {
		t.Fatalf("evictions: got %d, want 1", lru.Evictions())
	}

	lru.WarmFromKeys([]string{"a", "d"})
	if lru.Size() != 2 || !lru.Contains("d") {
		t.Fatalf("after warm: size=%d", lru.Size())
	}

	lru.Clear()
	if lru.Size() != 0 || lru.Contains("d") {
		t.Fatal("cleared LRU should be empty")
	}
}

func TestSequenceValidator_PriceStreams(t *testing.T) {
	sv := core.NewSequenceValidator(nil)

	steps := []struct {
		seq  int64
		want core.SequenceVerdict
	}{
		{5, core.SequenceNext}, // first sighting accepted as-is
		{6, core.SequenceNext},
		{6, core.SequenceStale},
		{4, core.SequenceStale},
		{10, core.SequenceGap},
		{0, core.SequenceUnsequenced},
		{11, core.SequenceNext},
	}
	for i, s := range steps {
		if got := sv.ValidatePriceSequence("BTC-PERP", "mark", s.seq); got != s.want {
			t.Fatalf("step %d seq=%d: got %v, want %v", i, s.seq, got, s.want)
		}
	}
	if got := sv.GetExpectedSequence("BTC-PERP", "mark"); got != 12 {
		t.Fatalf("expected next: got %d, want 12", got)
	}

	// Other streams and markets are independent
	if got := sv.ValidatePriceSequence("BTC-PERP", "ticker", 1); got != core.SequenceNext {
		t.Fatalf("ticker stream: got %v", got)
	}
	if got := sv.ValidatePriceSequence("ETH-PERP", "mark", 1); got != core.SequenceNext {
		t.Fatalf("other market: got %v", got)
	}

	sv.ResetMarket("BTC-PERP")
	if got := sv.ValidatePriceSequence("BTC-PERP", "mark", 1); got != core.SequenceNext {
		t.Fatalf("after reset: got %v, want SequenceNext", got)
	}
	if got := sv.GetExpectedSequence("ETH-PERP", "mark"); got != 2 {
		t.Fatalf("other market must survive reset, expected next got %d", got)
	}
}
