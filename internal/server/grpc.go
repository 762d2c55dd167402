package server

import (
	"PerpMark/internal/ingestion"
	"PerpMark/internal/observability"
	"PerpMark/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps the gRPC server (health + reflection) and the HTTP/JSON API
// served from a gRPC-Gateway mux.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	gateway      *runtime.ServeMux
	handler      http.Handler
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	logger       zerolog.Logger
}

// ServerDeps holds the services the API is built on.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.DirectIngestService
	HealthChecker *observability.HealthChecker
	// HealthSyncInterval is how often per-market gRPC health is refreshed.
	HealthSyncInterval time.Duration
}

// NewServer creates the gRPC server and registers every HTTP route.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps, logger zerolog.Logger) (*Server, error) {
	if deps.HealthSyncInterval <= 0 {
		deps.HealthSyncInterval = time.Second
	}

	grpcServer := grpc.NewServer()

	// Health check: "" tracks the process, one service name per market
	// tracks whether that market has a valid mark price.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		gateway:      runtime.NewServeMux(),
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       logger,
	}
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", s.gateway)
	s.handler = httpMux

	return s, nil
}

// Handler returns the HTTP handler (health endpoints plus the API).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Health returns the gRPC health service.
func (s *Server) Health() healthpb.HealthServer {
	return s.healthServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis until ctx is done.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SyncHealth publishes the current per-market validity to gRPC health and
// to the HTTP readiness endpoint.
func (s *Server) SyncHealth() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if s.deps.HealthChecker == nil || s.deps.HealthChecker.IsReady() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", overall)

	for market, valid := range s.deps.QueryService.ValidMarkets() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if valid {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.healthServer.SetServingStatus(MarketHealthService(market), st)
	}
}

// RunHealthSync calls SyncHealth every HealthSyncInterval until ctx is done.
func (s *Server) RunHealthSync(ctx context.Context) {
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetMarketStatus(s.deps.QueryService.ValidMarkets)
	}

	ticker := time.NewTicker(s.deps.HealthSyncInterval)
	defer ticker.Stop()

	s.SyncHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncHealth()
		}
	}
}

// MarketHealthService is the gRPC health service name of a market.
func MarketHealthService(market string) string {
	return "perpmark.market." + market
}
