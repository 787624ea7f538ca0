package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/keeper"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	rawCommandBuffer = 4096
	drainTimeout     = 30 * time.Second
)

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser := observability.NewLoggerWithFile("coverledger", cfg.LogFile())
	defer logCloser.Close()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.TracingConfig(), logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutCtx)
	}()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, moduleLogger(logger, "migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Channels ---
	// The persist channel blocks the core when full; the projection
	// channel drops.
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)

	// --- Deterministic core + recovery ---
	coreCfg, err := coreConfig(cfg)
	if err != nil {
		return err
	}
	ledgerCore := core.NewDeterministicCore(coreCfg, 0, persistChan, projectionChan, dbChecker, metrics)
	ledgerCore.SetLogger(moduleLogger(logger, "core"))

	if _, err := recoverCore(ctx, ledgerCore, snapMgr, dbChecker, metrics, moduleLogger(logger, "recovery")); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	ingestService := ingestion.NewIngestService(ledgerCore, metrics, moduleLogger(logger, "ingest"))
	snapshotter := keeper.NewSnapshotter(ledgerCore, snapMgr, metrics, moduleLogger(logger, "snapshot"))

	// --- NATS ---
	var (
		nc  *nats.Conn
		js  jetstream.JetStream
		sub *ingestion.NATSSubscriber
	)
	rawChan := make(chan ingestion.RawCommand, rawCommandBuffer)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, moduleLogger(logger, "nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, moduleLogger(logger, "nats")); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats status %s", st)
			}
			return nil
		})
	}

	// --- Pipeline: persistence, projections, outbound ---
	// Runs until the core's output channels are closed after ingestion
	// stops, so nothing the core applied is left unwritten.
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)

	pipelineStage := func(run func(context.Context) error) func() error {
		return func() error {
			err := run(pipeCtx)
			stopIngest()
			return ignoreCanceled(err)
		}
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics, moduleLogger(logger, "persistence"))
	pipe.Go(pipelineStage(persistWorker.Run))

	outs := map[string]chan core.CoreOutput{
		"projection": make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize),
	}
	projWorker := projection.NewProjectionWorker(db, outs["projection"], metrics, moduleLogger(logger, "projection"))
	pipe.Go(pipelineStage(projWorker.Run))
	if js != nil {
		outs["publish"] = make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
		publisher := ingestion.NewOutboundPublisher(js, outs["publish"], moduleLogger(logger, "publisher"))
		pipe.Go(pipelineStage(publisher.Run))
	}
	go fanOut(projectionChan, metrics, outs)

	// --- Ingestion, servers, keeper ---
	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.Deps{
		QueryService:  query.NewQueryService(db, ledgerCore),
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        moduleLogger(logger, "server"),
		IngestRate:    cfg.Server.IngestRate,
		IngestBurst:   cfg.Server.IngestBurst,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	g, gctx := errgroup.WithContext(ingestCtx)

	if js != nil {
		sub = ingestion.NewNATSSubscriber(js, rawChan, moduleLogger(logger, "nats"))
		if err := sub.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		router := ingestion.NewRouter(ingestService, moduleLogger(logger, "router"))
		g.Go(func() error { return ignoreCanceled(router.Run(gctx, rawChan)) })
	}

	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return runMetricsServer(gctx, cfg.Server.MetricsAddr, logger) })
	g.Go(func() error {
		reportChannels(gctx, metrics, persistChan, projectionChan)
		return nil
	})

	if cfg.Keeper.Enabled {
		k := keeper.New(keeper.Config{
			Identity:     cfg.KeeperAddress(),
			SweepCron:    cfg.Keeper.SweepCron,
			SweepLimit:   cfg.Keeper.SweepLimit,
			SnapshotCron: cfg.Keeper.SnapshotCron,
		}, ledgerCore, ingestService, snapshotter, metrics, moduleLogger(logger, "keeper"))
		if err := k.Register(); err != nil {
			return err
		}
		g.Go(func() error { return k.Run(gctx) })
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", ledgerCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("CoverLedger ready")

	// --- Shutdown ---
	runErr := g.Wait()
	healthChecker.SetReady(false)
	if sub != nil {
		sub.Stop()
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("service failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	// Refuse late commands and close the core's outputs so the pipeline
	// drains. A command stuck on a stalled persist channel is abandoned.
	ledgerCore.Close()
	drained := make(chan error, 1)
	go func() { drained <- pipe.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			logger.Error().Err(err).Msg("pipeline failed")
			runErr = errors.Join(runErr, err)
		}
	case <-time.After(drainTimeout):
		logger.Error().Dur("timeout", drainTimeout).Msg("pipeline drain timed out")
		stopPipe()
		<-drained
	}

	if ledgerCore.Halted() {
		logger.Warn().Msg("core halted with unpersisted state, skipping final snapshot")
		logger.Info().Msg("CoverLedger shutdown complete")
		return runErr
	}

	snapCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if seq, err := snapshotter.Take(snapCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if seq >= 0 {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("CoverLedger shutdown complete")
	return runErr
}

// runMetricsServer serves /metrics until ctx is cancelled.
func runMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// reportChannels samples the core's output channel depths.
func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, projection chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(projection), cap(projection))
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
