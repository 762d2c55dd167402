// Package replay drives the engine from a recorded price stream on a
// simulated clock, for backtesting the arbitration offline.
package replay

import (
	"PerpMark/internal/core"
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Config controls a replay run.
type Config struct {
	// Speed paces the replay against the wall clock: 1 = recorded speed,
	// 10 = ten times faster. 0 replays as fast as possible.
	Speed float64
	// Probe issues a non-blocking Read on the record's market after every
	// record. Nothing else submits while a replay runs, so a waiting read
	// could only time out.
	Probe bool
	// Engine defaults for the replay engine.
	Engine core.Config
}

// Step is the result of one applied record.
type Step struct {
	Line    int
	At      time.Time
	Market  string
	Type    event.EventType
	Outcome markprice.Outcome
	// Duplicate is set when the engine dropped the record as already processed.
	Duplicate bool
	Err       error
	// MarkPrice is the cache's mark price after the record was applied.
	MarkPrice float64
	Probe     *Probe
}

// Probe is the result of a read issued after a record.
type Probe struct {
	Price float64
	Err   error
}

// MarketSummary aggregates one market's steps.
type MarketSummary struct {
	Market     string
	Records    int
	Accepted   int
	Warmups    int
	Held       int
	Control    int
	Duplicates int
	Errors     int
	ProbeHits  int
	ProbeMiss  int
	FinalPrice float64
	FinalSetAt time.Time
	Ready      bool
}

// Summary is the result of a replay run.
type Summary struct {
	Lines   int
	Skipped int
	Start   time.Time
	End     time.Time
	Markets map[string]*MarketSummary
}

// SortedMarkets returns the per-market summaries ordered by market id.
func (s *Summary) SortedMarkets() []*MarketSummary {
	out := make([]*MarketSummary, 0, len(s.Markets))
	for _, m := range s.Markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Replayer owns a private engine on a SimulatedClock.
type Replayer struct {
	cfg     Config
	clock   *markprice.SimulatedClock
	engine  *core.Engine
	outputs chan core.CoreOutput
	onStep  func(Step)
	logger  zerolog.Logger
}

// NewReplayer creates a replayer tracking markets. With cfg.Engine.AutoRegister
// set, markets first seen in the recording are tracked too.
func NewReplayer(cfg Config, markets []core.MarketSpec, metrics *observability.Metrics, logger zerolog.Logger) (*Replayer, error) {
	if cfg.Speed < 0 {
		return nil, fmt.Errorf("%w: negative speed %v", markprice.ErrInvalidInput, cfg.Speed)
	}

	clock := markprice.NewSimulatedClock(time.Unix(0, 0).UTC())
	// Buffered by one: each ProcessEvent emits at most one output, drained right after.
	outputs := make(chan core.CoreOutput, 1)
	engine := core.NewEngine(clock, cfg.Engine, outputs, nil, nil, metrics, logger)

	for _, spec := range markets {
		if err := engine.RegisterMarket(spec); err != nil {
			return nil, err
		}
	}

	return &Replayer{
		cfg:     cfg,
		clock:   clock,
		engine:  engine,
		outputs: outputs,
		logger:  logger,
	}, nil
}

// OnStep registers a callback invoked after every applied record.
func (r *Replayer) OnStep(fn func(Step)) {
	r.onStep = fn
}

// Engine exposes the replay engine, mainly for inspection after a run.
func (r *Replayer) Engine() *core.Engine {
	return r.engine
}

// Clock returns the simulated clock driving the replay.
func (r *Replayer) Clock() *markprice.SimulatedClock {
	return r.clock
}

// RunFile replays the recording at path.
func (r *Replayer) RunFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return r.Run(ctx, f)
}

// Run resets every tracked market, then applies the recording line by line.
// Blank lines and lines starting with # are skipped. Malformed lines are
// logged and counted as skipped.
func (r *Replayer) Run(ctx context.Context, rd io.Reader) (*Summary, error) {
	r.engine.ResetAll()

	summary := &Summary{Markets: make(map[string]*MarketSummary)}
	for _, m := range r.engine.Markets() {
		summary.Markets[m] = &MarketSummary{Market: m}
	}

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		line     int
		lastTime time.Time
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		summary.Lines++

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			summary.Skipped++
			r.logger.Warn().Err(err).Int("line", line).Msg("skip malformed record")
			continue
		}
		evt, err := rec.Event()
		if err != nil {
			summary.Skipped++
			r.logger.Warn().Err(err).Int("line", line).Str("type", rec.Type).Msg("skip invalid record")
			continue
		}

		at := rec.Time()
		if !at.IsZero() {
			if err := r.pace(ctx, lastTime, at); err != nil {
				return summary, err
			}
			r.clock.Set(at)
			lastTime = at
			if summary.Start.IsZero() {
				summary.Start = at
			}
			summary.End = at
		}

		step, err := r.apply(ctx, line, evt)
		if err != nil {
			return summary, err
		}
		record(summary, step)
		if r.onStep != nil {
			r.onStep(step)
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read recording: %w", err)
	}

	for id, ms := range summary.Markets {
		snap, err := r.engine.Peek(id)
		if err != nil {
			continue
		}
		ms.FinalPrice = snap.Price
		ms.FinalSetAt = snap.SetAt
		ms.Ready = snap.Ready
	}
	return summary, nil
}

func (r *Replayer) apply(ctx context.Context, line int, evt event.Event) (Step, error) {
	step := Step{
		Line:   line,
		At:     r.clock.Now(),
		Market: evt.MarketID(),
		Type:   evt.EventType(),
	}

	err := r.engine.ProcessEvent(ctx, evt)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return step, ctxErr
	}

	select {
	case out := <-r.outputs:
		step.Outcome = out.Outcome
	default:
		if err == nil {
			step.Duplicate = true
		}
	}
	step.Err = err

	if snap, perr := r.engine.Peek(step.Market); perr == nil {
		step.MarkPrice = snap.Price
	}

	if r.cfg.Probe && !errors.Is(err, core.ErrUnknownMarket) {
		price, perr := r.engine.Read(ctx, step.Market, 0)
		if errors.Is(perr, context.Canceled) || errors.Is(perr, context.DeadlineExceeded) {
			return step, perr
		}
		step.Probe = &Probe{Price: price, Err: perr}
	}
	return step, nil
}

// pace sleeps for the recorded gap between prev and next, scaled by Speed.
func (r *Replayer) pace(ctx context.Context, prev, next time.Time) error {
	if r.cfg.Speed == 0 || prev.IsZero() || !next.After(prev) {
		return nil
	}
	wait := time.Duration(float64(next.Sub(prev)) / r.cfg.Speed)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func record(summary *Summary, step Step) {
	ms, ok := summary.Markets[step.Market]
	if !ok {
		ms = &MarketSummary{Market: step.Market}
		summary.Markets[step.Market] = ms
	}
	ms.Records++

	switch {
	case step.Err != nil:
		ms.Errors++
	case step.Duplicate:
		ms.Duplicates++
	case step.Type == event.EventTypeMarketReset || step.Type == event.EventTypeSourceDown:
		ms.Control++
	default:
		switch step.Outcome {
		case markprice.OutcomeAccepted:
			ms.Accepted++
		case markprice.OutcomeWarmup:
			ms.Warmups++
		case markprice.OutcomeHeld:
			ms.Held++
		}
	}

	if step.Probe != nil {
		if step.Probe.Err == nil {
			ms.ProbeHits++
		} else {
			ms.ProbeMiss++
		}
	}
}
