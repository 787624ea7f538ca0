package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the gRPC health service and the HTTP/JSON API.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	logger       zerolog.Logger
}

// Deps holds everything the HTTP handlers call into.
type Deps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.IngestService
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	// IngestRate and IngestBurst bound POST /v1/commands; zero disables.
	IngestRate  float64
	IngestBurst int
}

func NewServer(grpcAddr, httpAddr string, deps *Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		handler:      handler,
		logger:       deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status once startup completes.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
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
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NewHTTPHandler builds the API mux: gateway routes under /v1 plus the
// health endpoints.
func NewHTTPHandler(deps *Deps) (http.Handler, error) {
	api := &apiHandlers{
		qs:      deps.QueryService,
		ingest:  deps.IngestService,
		snaps:   deps.SnapshotMgr,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}
	if deps.IngestRate > 0 {
		burst := deps.IngestBurst
		if burst <= 0 {
			burst = 1
		}
		api.limiter = rate.NewLimiter(rate.Limit(deps.IngestRate), burst)
	}

	gw := runtime.NewServeMux()
	if err := api.register(gw); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}
