// cmd/replay runs a JSON-lines price recording through the mark price engine
// on a simulated clock and prints how each market's mark price was decided.
//
// Usage:
//
//	go run ./cmd/replay --file=session.jsonl --markets=markets.yaml --speed=0 --probe
package main

import (
	"PerpMark/internal/config"
	"PerpMark/internal/core"
	"PerpMark/internal/observability"
	"PerpMark/internal/replay"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	file := flag.String("file", "", "JSON-lines recording to replay (required)")
	marketsFile := flag.String("markets", "", "YAML markets file (default: track every market in the recording)")
	marketList := flag.String("market", "", "Comma-separated market ids to track, instead of a markets file")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	validity := flag.Duration("validity", 5*time.Minute, "Default validity window")
	tradeWindow := flag.Int("trade-window", 100, "Default number of trades averaged")
	probe := flag.Bool("probe", false, "Read the mark price after every record")
	verbose := flag.Bool("v", false, "Print every step")
	flag.Parse()

	logger := observability.NewLoggerWithLevel("replay", zerolog.WarnLevel)

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	cfg.ValidityWindow = *validity
	cfg.TradeWindow = *tradeWindow

	specs, err := marketSpecs(cfg, *marketsFile, *marketList)
	if err != nil {
		logger.Fatal().Err(err).Msg("load markets")
	}

	r, err := replay.NewReplayer(replay.Config{
		Speed: *speed,
		Probe: *probe,
		Engine: core.Config{
			ValidityWindow: cfg.ValidityWindow,
			TradeWindow:    cfg.TradeWindow,
			AutoRegister:   len(specs) == 0,
		},
	}, specs, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create replayer")
	}

	if *verbose {
		r.OnStep(printStep)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	summary, err := r.RunFile(ctx, *file)
	if err != nil {
		logger.Error().Err(err).Msg("replay stopped")
	}
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		os.Exit(1)
	}
}

func marketSpecs(cfg config.Config, path, list string) ([]core.MarketSpec, error) {
	var markets []config.Market
	switch {
	case path != "":
		loaded, err := config.LoadMarkets(path)
		if err != nil {
			return nil, err
		}
		markets = loaded
	case list != "":
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				markets = append(markets, config.Market{Market: id})
			}
		}
	}

	specs := make([]core.MarketSpec, 0, len(markets))
	for _, m := range markets {
		m = m.WithDefaults(cfg)
		specs = append(specs, core.MarketSpec{
			Market:         m.Market,
			ValidityWindow: m.ValidityWindow,
			TradeWindow:    m.TradeWindow,
		})
	}
	return specs, nil
}

func printStep(s replay.Step) {
	status := s.Outcome.String()
	switch {
	case s.Err != nil:
		status = "error: " + s.Err.Error()
	case s.Duplicate:
		status = "duplicate"
	}

	line := fmt.Sprintf("  %5d [%s] %-10s %-18s %-40s mark=%.6f",
		s.Line, s.At.Format("15:04:05.000"), s.Market, s.Type, status, s.MarkPrice)
	if s.Probe != nil {
		if s.Probe.Err != nil {
			line += " probe=" + s.Probe.Err.Error()
		} else {
			line += fmt.Sprintf(" probe=%.6f", s.Probe.Price)
		}
	}
	fmt.Println(line)
}

func printSummary(s *replay.Summary) {
	fmt.Println()
	fmt.Printf("Replay: %d records, %d skipped", s.Lines, s.Skipped)
	if !s.Start.IsZero() {
		fmt.Printf(", %s .. %s (%s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339), s.End.Sub(s.Start))
	}
	fmt.Println()
	fmt.Println()
	fmt.Printf("%-14s %8s %8s %7s %6s %7s %5s %6s %10s %10s %16s %s\n",
		"MARKET", "RECORDS", "ACCEPTED", "WARMUP", "HELD", "CONTROL", "DUPS", "ERRORS", "PROBE_HIT", "PROBE_MISS", "FINAL", "READY")
	for _, m := range s.SortedMarkets() {
		fmt.Printf("%-14s %8d %8d %7d %6d %7d %5d %6d %10d %10d %16.6f %t\n",
			m.Market, m.Records, m.Accepted, m.Warmups, m.Held, m.Control, m.Duplicates, m.Errors,
			m.ProbeHits, m.ProbeMiss, m.FinalPrice, m.Ready)
	}
}
