package replay_test

import (
	"PerpMark/internal/core"
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"PerpMark/internal/replay"
	"PerpMark/internal/testutil"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const recording = `
# BTC-PERP session
{"ts_us":1700000000000000,"type":"ticker","market":"BTC-PERP","price":100,"seq":1}
{"ts_us":1700000001000000,"type":"trade","market":"BTC-PERP","price":101,"trade_id":"t1"}
{"ts_us":1700000002000000,"type":"trade","market":"BTC-PERP","price":103,"trade_id":"t2"}
{"ts_us":1700000003000000,"type":"ticker","market":"BTC-PERP","price":99,"seq":2}
{"ts_us":1700000070000000,"type":"ticker","market":"BTC-PERP","price":98,"seq":3}
{"ts_us":1700000071000000,"type":"ticker","market":"BTC-PERP","price":98,"seq":3}
{bad json
{"ts_us":1700000075000000,"type":"reset","market":"BTC-PERP","reason":"restart"}
{"ts_us":1700000080000000,"type":"ExchangeMarkPrice","market":"BTC-PERP","price":500,"seq":1}
`

func newReplayer(t *testing.T, cfg replay.Config) *replay.Replayer {
	t.Helper()
	cfg.Engine.ValidityWindow = time.Minute
	cfg.Engine.TradeWindow = 2
	r, err := replay.NewReplayer(cfg, []core.MarketSpec{{Market: "BTC-PERP"}}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	return r
}

func TestReplay_Summary(t *testing.T) {
	r := newReplayer(t, replay.Config{})

	var steps []replay.Step
	r.OnStep(func(s replay.Step) { steps = append(steps, s) })

	summary, err := r.Run(context.Background(), strings.NewReader(recording))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Lines != 9 || summary.Skipped != 1 {
		t.Errorf("lines/skipped: got %d/%d, want 9/1", summary.Lines, summary.Skipped)
	}
	if !summary.Start.Equal(time.UnixMicro(1700000000000000)) || !summary.End.Equal(time.UnixMicro(1700000080000000)) {
		t.Errorf("span: got %v .. %v", summary.Start, summary.End)
	}

	ms := summary.Markets["BTC-PERP"]
	if ms == nil {
		t.Fatal("missing BTC-PERP summary")
	}
	want := replay.MarketSummary{
		Market:     "BTC-PERP",
		Records:    8,
		Accepted:   4,
		Warmups:    1,
		Held:       1,
		Control:    1,
		Duplicates: 1,
		FinalPrice: 500,
		Ready:      true,
	}
	if !ms.FinalSetAt.Equal(time.UnixMicro(1700000080000000)) {
		t.Errorf("final set at: got %v", ms.FinalSetAt)
	}
	got := *ms
	got.FinalSetAt = time.Time{}
	if got != want {
		t.Errorf("summary:\n got %+v\nwant %+v", got, want)
	}

	wantOutcomes := []markprice.Outcome{
		markprice.OutcomeAccepted,
		markprice.OutcomeWarmup,
		markprice.OutcomeAccepted,
		markprice.OutcomeHeld,
		markprice.OutcomeAccepted,
	}
	for i, w := range wantOutcomes {
		if steps[i].Outcome != w {
			t.Errorf("step %d outcome: got %s, want %s", i, steps[i].Outcome, w)
		}
	}
	if steps[2].MarkPrice != 102 {
		t.Errorf("trade average: got %v, want 102", steps[2].MarkPrice)
	}
	if !steps[5].Duplicate {
		t.Error("repeated ticker should be a duplicate")
	}
	if steps[6].Type != event.EventTypeMarketReset || steps[6].MarkPrice != 0 {
		t.Errorf("reset step: got %+v", steps[6])
	}
}

func TestReplay_RunTwiceIsRepeatable(t *testing.T) {
	r := newReplayer(t, replay.Config{})
	ctx := context.Background()

	first, err := r.Run(ctx, strings.NewReader(recording))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := r.Run(ctx, strings.NewReader(recording))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if *first.Markets["BTC-PERP"] != *second.Markets["BTC-PERP"] {
		t.Errorf("runs differ:\n%+v\n%+v", *first.Markets["BTC-PERP"], *second.Markets["BTC-PERP"])
	}
}

func TestReplay_Probes(t *testing.T) {
	r := newReplayer(t, replay.Config{Probe: true})

	summary, err := r.Run(context.Background(), strings.NewReader(`
{"ts_us":1700000000000000,"type":"trade","market":"BTC-PERP","price":10,"trade_id":"a"}
{"ts_us":1700000001000000,"type":"trade","market":"BTC-PERP","price":20,"trade_id":"b"}
`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ms := summary.Markets["BTC-PERP"]
	if ms.ProbeMiss != 1 || ms.ProbeHits != 1 {
		t.Errorf("probes: got hits=%d miss=%d, want 1/1", ms.ProbeHits, ms.ProbeMiss)
	}
}

func TestReplay_ProbeOnEmptyMarketDoesNotWait(t *testing.T) {
	r := newReplayer(t, replay.Config{Probe: true})

	start := time.Now()
	summary, err := r.Run(context.Background(), strings.NewReader(
		`{"ts_us":1700000000000000,"type":"down","market":"BTC-PERP","source":"ticker_close_price"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("probe blocked for %v", elapsed)
	}
	if ms := summary.Markets["BTC-PERP"]; ms.ProbeMiss != 1 {
		t.Errorf("probe misses: got %d, want 1", ms.ProbeMiss)
	}
}

func TestReplay_RecordsWithoutIdentity(t *testing.T) {
	r := newReplayer(t, replay.Config{})

	summary, err := r.Run(context.Background(), strings.NewReader(`
{"type":"mark","market":"BTC-PERP","price":10}
{"type":"mark","market":"BTC-PERP","price":20}
{"type":"mark","market":"BTC-PERP","price":30}
`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ms := summary.Markets["BTC-PERP"]
	if ms.Accepted != 3 || ms.Duplicates != 0 {
		t.Errorf("accepted/duplicates: got %d/%d, want 3/0", ms.Accepted, ms.Duplicates)
	}
	if ms.FinalPrice != 30 {
		t.Errorf("final price: got %v, want 30", ms.FinalPrice)
	}
}

func TestReplay_UnknownMarket(t *testing.T) {
	line := `{"ts_us":1700000000000000,"type":"mark","market":"ETH-PERP","price":10,"seq":1}`

	r := newReplayer(t, replay.Config{})
	summary, err := r.Run(context.Background(), strings.NewReader(line))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := summary.Markets["ETH-PERP"].Errors; got != 1 {
		t.Errorf("untracked market errors: got %d, want 1", got)
	}

	auto := newReplayer(t, replay.Config{Engine: core.Config{AutoRegister: true}})
	summary, err = auto.Run(context.Background(), strings.NewReader(line))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ms := summary.Markets["ETH-PERP"]; ms.Accepted != 1 || ms.FinalPrice != 10 {
		t.Errorf("auto-registered market: got %+v", *ms)
	}
}

func TestReplay_RunFile(t *testing.T) {
	path := testutil.WriteFile(t, "session.jsonl", recording)

	summary, err := newReplayer(t, replay.Config{}).RunFile(context.Background(), path)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if got := summary.Markets["BTC-PERP"].FinalPrice; got != 500 {
		t.Errorf("final price: got %v, want 500", got)
	}

	if _, err := newReplayer(t, replay.Config{}).RunFile(context.Background(), path+".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReplay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReplayer(t, replay.Config{}).Run(ctx, strings.NewReader(recording))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestNewReplayer_RejectsNegativeSpeed(t *testing.T) {
	_, err := replay.NewReplayer(replay.Config{Speed: -1}, nil, nil, zerolog.Nop())
	if !errors.Is(err, markprice.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestRecordEvent(t *testing.T) {
	cases := []struct {
		rec  replay.Record
		want event.EventType
	}{
		{replay.Record{Type: "mark", Market: "X", Price: 1}, event.EventTypeExchangeMarkPrice},
		{replay.Record{Type: "RecentTrade", Market: "X", Price: 1}, event.EventTypeRecentTrade},
		{replay.Record{Type: "Ticker", Market: "X", Price: 1}, event.EventTypeTickerUpdate},
		{replay.Record{Type: "reset", Market: "X"}, event.EventTypeMarketReset},
		{replay.Record{Type: "down", Market: "X", Source: "ticker_close_price"}, event.EventTypeSourceDown},
	}
	for _, tc := range cases {
		evt, err := tc.rec.Event()
		if err != nil {
			t.Errorf("%s: %v", tc.rec.Type, err)
			continue
		}
		if evt.EventType() != tc.want {
			t.Errorf("%s: got %s, want %s", tc.rec.Type, evt.EventType(), tc.want)
		}
	}

	bad := []replay.Record{
		{Type: "mark", Price: 1},
		{Type: "mark", Market: "X", Price: 0},
		{Type: "down", Market: "X", Source: "last_price"},
		{Type: "reset", Market: "X", ResetID: "nope"},
		{Type: "funding", Market: "X", Price: 1},
	}
	for _, rec := range bad {
		if _, err := rec.Event(); !errors.Is(err, markprice.ErrInvalidInput) {
			t.Errorf("%+v: got %v, want ErrInvalidInput", rec, err)
		}
	}
}
