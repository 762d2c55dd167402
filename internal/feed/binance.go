// Package feed adapts exchange websocket streams into mark price events.
package feed

import (
	"PerpMark/internal/event"
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultBinanceURL is the USDⓈ-M futures combined stream endpoint.
	DefaultBinanceURL = "wss://fstream.binance.com"

	feedName = "binance"
)

// BinanceConfig configures a BinanceFeed.
type BinanceConfig struct {
	// BaseURL without the /stream path. Defaults to DefaultBinanceURL.
	BaseURL string
	// Markets maps an exchange symbol (BTCUSDT) to a market id (BTC-PERP).
	Markets map[string]string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c *BinanceConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBinanceURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// BinanceFeed subscribes to mark price, aggregate trade and 24h ticker
// streams and forwards them as ExchangeMarkPrice, RecentTrade and
// TickerUpdate events. When the connection drops it reports the trade
// source down for every market so the trade average is rebuilt from fresh
// trades after reconnecting.
type BinanceFeed struct {
	cfg     BinanceConfig
	markets map[string]string // upper-case symbol -> market
	out     chan<- event.Event
	clock   markprice.Clock
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBinanceFeed(cfg BinanceConfig, out chan<- event.Event, clock markprice.Clock, metrics *observability.Metrics, logger zerolog.Logger) *BinanceFeed {
	cfg.applyDefaults()
	markets := make(map[string]string, len(cfg.Markets))
	for sym, market := range cfg.Markets {
		markets[strings.ToUpper(sym)] = market
	}
	if clock == nil {
		clock = markprice.WallClock{}
	}
	return &BinanceFeed{
		cfg:     cfg,
		markets: markets,
		out:     out,
		clock:   clock,
		metrics: metrics,
		logger:  logger.With().Str("feed", feedName).Logger(),
	}
}

// StreamURL returns the combined stream URL for all configured symbols.
func (f *BinanceFeed) StreamURL() string {
	symbols := make([]string, 0, len(f.markets))
	for sym := range f.markets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var streams []string
	for _, sym := range symbols {
		streams = append(streams, streamNames(sym)...)
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(f.cfg.BaseURL, "/"), strings.Join(streams, "/"))
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (f *BinanceFeed) Run(ctx context.Context) error {
	if len(f.markets) == 0 {
		return fmt.Errorf("binance feed requires at least one symbol")
	}

	url := f.StreamURL()
	backoff := f.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := f.consume(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = f.cfg.InitialBackoff
			f.reportDown(ctx)
		}
		if f.metrics != nil {
			f.metrics.FeedReconnects.WithLabelValues(feedName).Inc()
		}
		if IsCloseError(err) {
			f.logger.Info().Err(err).Dur("backoff", backoff).Msg("binance feed closed by server, reconnecting")
		} else {
			f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("binance feed disconnected, retrying")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(f.cfg.MaxBackoff), float64(backoff)*1.8))
	}
}

// consume reads one connection until it fails. connected reports whether the
// handshake succeeded.
func (f *BinanceFeed) consume(ctx context.Context, url string) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	f.logger.Info().Int("symbols", len(f.markets)).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				// Unblock ReadMessage
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		// Any frame proves the connection is alive
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		evt, err := decodeMessage(message, f.markets)
		if err != nil {
			if f.metrics != nil {
				f.metrics.ParseFailures.WithLabelValues(feedName).Inc()
			}
			f.logger.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		if evt == nil {
			continue
		}

		select {
		case f.out <- evt:
			if f.metrics != nil {
				f.metrics.FeedMessages.WithLabelValues(feedName, evt.EventType().String()).Inc()
			}
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// reportDown emits a SourceDown for the trade source of every market.
func (f *BinanceFeed) reportDown(ctx context.Context) {
	now := f.clock.Now()
	for _, market := range f.sortedMarkets() {
		evt := &event.SourceDown{
			Market: market,
			Source: markprice.SourceRecentTradeAverage,
			At:     now,
		}
		select {
		case f.out <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (f *BinanceFeed) sortedMarkets() []string {
	markets := make([]string, 0, len(f.markets))
	for _, m := range f.markets {
		markets = append(markets, m)
	}
	sort.Strings(markets)
	return markets
}

// IsCloseError reports whether err is a normal websocket closure.
func IsCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway)
}
