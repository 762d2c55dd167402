package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Market describes one tracked market. Zero windows fall back to the
// service-wide defaults.
type Market struct {
	Market         string        `yaml:"market"`
	ValidityWindow time.Duration `yaml:"validity_window"`
	TradeWindow    int           `yaml:"trade_window"`
	// FeedSymbol is the exchange symbol (BTCUSDT) streamed by the feed.
	FeedSymbol string `yaml:"feed_symbol"`
}

// MarketsFile is the YAML markets document:
//
//	markets:
//	  - market: BTC-PERP
//	    validity_window: 5m
//	    trade_window: 100
//	    feed_symbol: BTCUSDT
type MarketsFile struct {
	Markets []Market `yaml:"markets"`
}

// LoadMarkets reads and validates a markets file.
func LoadMarkets(path string) ([]Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarkets(data)
}

// ParseMarkets decodes a markets document.
func ParseMarkets(data []byte) ([]Market, error) {
	var f MarketsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	seen := make(map[string]bool, len(f.Markets))
	symbols := make(map[string]string, len(f.Markets))
	for i, m := range f.Markets {
		if m.Market == "" {
			return nil, fmt.Errorf("markets[%d]: market is required", i)
		}
		if seen[m.Market] {
			return nil, fmt.Errorf("markets[%d]: duplicate market %s", i, m.Market)
		}
		seen[m.Market] = true

		if m.ValidityWindow < 0 {
			return nil, fmt.Errorf("market %s: negative validity window %s", m.Market, m.ValidityWindow)
		}
		if m.TradeWindow < 0 {
			return nil, fmt.Errorf("market %s: negative trade window %d", m.Market, m.TradeWindow)
		}
		if m.FeedSymbol != "" {
			sym := strings.ToUpper(m.FeedSymbol)
			if other, ok := symbols[sym]; ok {
				return nil, fmt.Errorf("market %s: feed symbol %s already used by %s", m.Market, sym, other)
			}
			symbols[sym] = m.Market
		}
	}
	return f.Markets, nil
}

// WithDefaults fills zero windows from cfg.
func (m Market) WithDefaults(cfg Config) Market {
	if m.ValidityWindow == 0 {
		m.ValidityWindow = cfg.ValidityWindow
	}
	if m.TradeWindow == 0 {
		m.TradeWindow = cfg.TradeWindow
	}
	return m
}

// FeedSymbols maps exchange symbols to market ids for markets that have one.
func FeedSymbols(markets []Market) map[string]string {
	out := make(map[string]string)
	for _, m := range markets {
		if m.FeedSymbol != "" {
			out[strings.ToUpper(m.FeedSymbol)] = m.Market
		}
	}
	return out
}

// ErrNoMarkets is returned when neither the markets file nor the database
// names a market and auto-registration is off.
var ErrNoMarkets = errors.New("no markets configured")
