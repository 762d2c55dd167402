package main

import (
	"PerpMark/internal/config"
	"PerpMark/internal/core"
	"PerpMark/internal/event"
	"PerpMark/internal/feed"
	"PerpMark/internal/ingestion"
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"PerpMark/internal/persistence"
	"PerpMark/internal/query"
	"PerpMark/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Event types whose processed keys are loaded into the LRU on startup.
var warmEventTypes = []event.EventType{
	event.EventTypeExchangeMarkPrice,
	event.EventTypeRecentTrade,
	event.EventTypeTickerUpdate,
	event.EventTypeMarketReset,
	event.EventTypeSourceDown,
}

func main() {
	logger := observability.NewLogger("perpmark")
	logger.Info().Msg("PerpMark starting")

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist channel blocks (backpressure), publish channel drops.
	eventChan := make(chan event.Event, cfg.EventChanSize)
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	clock := markprice.WallClock{}
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewEngine(
		clock,
		core.Config{
			ValidityWindow:      cfg.ValidityWindow,
			TradeWindow:         cfg.TradeWindow,
			IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
			AutoRegister:        cfg.AutoRegisterMarkets,
		},
		persistChan,
		publishChan,
		dbChecker,
		metrics,
		observability.NewLogger("engine"),
	)

	markets, err := loadMarkets(ctx, cfg, persistence.NewMarketStore(db), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load markets")
	}
	for _, m := range markets {
		m = m.WithDefaults(cfg)
		if err := engine.RegisterMarket(core.MarketSpec{
			Market:         m.Market,
			ValidityWindow: m.ValidityWindow,
			TradeWindow:    m.TradeWindow,
		}); err != nil {
			logger.Fatal().Err(err).Str("market", m.Market).Msg("register market")
		}
	}
	logger.Info().Int("markets", len(markets)).Bool("auto_register", cfg.AutoRegisterMarkets).Msg("markets registered")

	// --- LRU Warming ---
	// Avoids cold-path Postgres lookups for redelivered messages after a restart.
	warmLRU(ctx, engine, dbChecker, cfg.IdempotencyLRUCapacity, logger)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.NewLogger("nats"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Services ---
	queryService := query.NewQueryService(engine, metrics)
	ingestService := ingestion.NewDirectIngestService(eventChan, clock)

	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:       queryService,
		IngestService:      ingestService,
		HealthChecker:      healthChecker,
		HealthSyncInterval: cfg.HealthSyncInterval,
	}, observability.NewLogger("server"))
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Workers draining the engine outputs outlive ctx so that pending keys
	// are flushed after the engine stops.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	// 1. Dedup worker
	dedupWorker := persistence.NewDedupWorker(
		persistence.NewProcessedEventWriter(db),
		persistChan,
		persistence.DedupWorkerConfig{BatchSize: cfg.DedupBatchSize, FlushTimeout: cfg.DedupFlushTimeout},
		metrics,
		observability.NewLogger("dedup"),
	)
	dedupDone := make(chan struct{})
	go func() {
		defer close(dedupDone)
		if err := dedupWorker.Run(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("dedup worker stopped")
		}
	}()

	// 2. Outbound publisher
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		outboundPublisher.Run(drainCtx)
	}()

	// 3. Engine event loop
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx, eventChan)
	}()

	// 4. NATS parse loop
	go ingestion.RunParseLoop(ctx, ingestion.NewRouter(ingestion.DefaultSubjects()), rawEventChan, eventChan, metrics, observability.NewLogger("ingestion"))

	// 5. Exchange feed
	if cfg.Feed == "binance" {
		symbols := config.FeedSymbols(markets)
		if len(symbols) == 0 {
			logger.Warn().Msg("binance feed enabled but no market has a feed_symbol")
		} else {
			binance := feed.NewBinanceFeed(feed.BinanceConfig{
				BaseURL:      cfg.BinanceURL,
				Markets:      symbols,
				PingInterval: cfg.FeedPingPeriod,
			}, eventChan, clock, metrics, observability.NewLogger("feed"))
			go func() {
				if err := binance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errChan <- fmt.Errorf("binance feed: %w", err)
				}
			}()
		}
	}

	// 6. gRPC server
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 7. HTTP/JSON API
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 8. Per-market health sync
	go srv.RunHealthSync(ctx)

	// 9. Processed-key retention
	go runPruner(ctx, persistence.NewProcessedEventWriter(db), cfg.DedupRetention, logger)

	// 10. Channel occupancy
	go runChannelMetrics(ctx, metrics, map[string]func() int{
		"events":  func() int { return len(eventChan) },
		"raw":     func() int { return len(rawEventChan) },
		"persist": func() int { return len(persistChan) },
		"publish": func() int { return len(publishChan) },
	})

	// 11. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)

	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpMark ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Stringer("signal", sig).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the engine return, then drain its outputs.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()
	<-engineDone

	close(persistChan)
	close(publishChan)

	drainTimeout := time.NewTimer(30 * time.Second)
	defer drainTimeout.Stop()
	for _, done := range []chan struct{}{dedupDone, publisherDone} {
		select {
		case <-done:
		case <-drainTimeout.C:
			logger.Warn().Msg("drain timed out")
			drainCancel()
			<-done
		}
	}

	logger.Info().Msg("PerpMark shutdown complete")
}

// loadMarkets seeds markets.tracked from the markets file (when set) and
// returns the tracked set.
func loadMarkets(ctx context.Context, cfg config.Config, store *persistence.MarketStore, logger zerolog.Logger) ([]config.Market, error) {
	if cfg.MarketsFile != "" {
		fileMarkets, err := config.LoadMarkets(cfg.MarketsFile)
		if err != nil {
			return nil, err
		}
		if err := store.UpsertMarkets(ctx, fileMarkets); err != nil {
			return nil, fmt.Errorf("seed markets: %w", err)
		}
		logger.Info().Str("file", cfg.MarketsFile).Int("markets", len(fileMarkets)).Msg("markets file applied")
	}

	markets, err := store.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 && !cfg.AutoRegisterMarkets {
		return nil, config.ErrNoMarkets
	}
	return markets, nil
}

func warmLRU(ctx context.Context, engine *core.Engine, checker *persistence.PostgresIdempotencyChecker, capacity int, logger zerolog.Logger) {
	perType := capacity / len(warmEventTypes)
	total := 0
	for _, et := range warmEventTypes {
		keys, err := checker.RecentKeys(ctx, et.String(), perType)
		if err != nil {
			logger.Warn().Err(err).Stringer("event_type", et).Msg("LRU warm-up failed")
			continue
		}
		engine.WarmLRU(et.String(), keys)
		total += len(keys)
	}
	logger.Info().Int("keys", total).Msg("idempotency LRU warmed")
}

// runPruner deletes processed-event keys older than retention once an hour.
func runPruner(ctx context.Context, writer *persistence.ProcessedEventWriter, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := writer.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn().Err(err).Msg("prune processed events failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("rows", n).Msg("pruned processed events")
			}
		}
	}
}

func runChannelMetrics(ctx context.Context, metrics *observability.Metrics, channels map[string]func() int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, size := range channels {
				metrics.SetChannelMetrics(name, size())
			}
		}
	}
}
