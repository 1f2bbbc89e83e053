package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/grocery/internal/health"
	"github.com/vladislavdragonenkov/grocery/internal/httpapi"
	"github.com/vladislavdragonenkov/grocery/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/service/catalog"
	"github.com/vladislavdragonenkov/grocery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/grocery/internal/service/ordering"
	"github.com/vladislavdragonenkov/grocery/internal/service/outbox"
	"github.com/vladislavdragonenkov/grocery/internal/tracing"
	"github.com/vladislavdragonenkov/grocery/internal/version"
)

const serviceName = "grocery-service"

// Run поднимает хранилище, HTTP API, сервер метрик, gRPC health и фоновые воркеры.
// Блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.WithField("component", "app").WithFields(version.Fields())

	_, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn == nil {
			return
		}
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	groceryMetrics := metrics.NewGroceryMetrics()
	handler := newAPIHandler(cfg, deps, groceryMetrics, logger)

	healthHandler := newHealthHandler(cfg, deps)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)

	// Kafka опциональна: без неё события копятся в outbox и видны в backlog-метриках.
	// Ошибка уже залогирована в initKafkaProducer.
	producer, _ := initKafkaProducer(cfg.Brokers(), logger)
	defer closeKafkaProducer(producer, logger)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		cancelWorkers()
		waitWorkers(&workers, cfg.ShutdownTimeout, logger)
	}()

	if producer != nil {
		worker := outbox.NewWorker(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(producer),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(groceryMetrics),
			outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		startWorker(workersCtx, &workers, worker.Run)
	} else {
		logger.Warn("kafka brokers are not configured, outbox events stay pending")
	}

	cleanupCfg := idempotency.DefaultCleanupConfig()
	cleanupCfg.Interval = cfg.IdempotencyCleanupInterval
	cleanupCfg.BatchSize = cfg.IdempotencyCleanupBatchSize
	cleanup := idempotency.NewCleanupWorker(
		deps.idempotencyRepo,
		cleanupCfg,
		logger.WithField("component", "idempotency-cleanup"),
		groceryMetrics,
	)
	startWorker(workersCtx, &workers, cleanup.Run)

	errCh := make(chan error, 2)

	grpcServer, healthServer, err := startGRPCServer(cfg.GRPCAddr, logger, errCh)
	if err != nil {
		return err
	}

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		stopGRPC(grpcServer, healthServer, cfg.ShutdownTimeout, logger)
		return fmt.Errorf("listen http api: %w", err)
	}
	apiSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		shutdownHTTP(apiSrv, logger, cfg.ShutdownTimeout)
		stopGRPC(grpcServer, healthServer, cfg.ShutdownTimeout, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(apiSrv, logger, cfg.ShutdownTimeout)
		stopGRPC(grpcServer, healthServer, cfg.ShutdownTimeout, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newAPIHandler собирает сервисы и HTTP-роутер поверх выбранного хранилища.
func newAPIHandler(cfg Config, deps *runtimeDependencies, m *metrics.GroceryMetrics, logger *log.Entry) http.Handler {
	catalogSvc := catalog.NewService(deps.catalogRepo, logger.WithField("component", "catalog-service"), m)
	orderingSvc := ordering.NewService(
		deps.catalogRepo,
		deps.orderRepo,
		ordering.WithLogger(logger.WithField("component", "ordering-service")),
		ordering.WithMetrics(m),
	)
	guard := idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency"), m)

	return httpapi.NewRouter(httpapi.Deps{
		Catalog:        catalogSvc,
		Ordering:       orderingSvc,
		Guard:          guard,
		Logger:         logger.WithField("component", "http"),
		Metrics:        m,
		RequestTimeout: cfg.RequestTimeout,
	})
}

// newHealthHandler регистрирует проверки хранилища и backlog outbox.
func newHealthHandler(cfg Config, deps *runtimeDependencies) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.GetVersion())
	h.RegisterChecker("storage", deps.storageChecker)

	outboxRepo := deps.outboxRepo
	h.RegisterChecker("outbox", healthcheck.NewBacklogChecker("outbox", func(ctx context.Context) (int, time.Time, error) {
		stats, err := outboxRepo.Stats(ctx)
		if err != nil {
			return 0, time.Time{}, err
		}
		return stats.PendingCount, stats.OldestPendingAt, nil
	}, cfg.OutboxBacklogMaxAge))
	return h
}

// startGRPCServer поднимает gRPC health и reflection. Пустой адрес отключает сервер.
func startGRPCServer(addr string, logger *log.Entry, errCh chan<- error) (*grpc.Server, *health.Server, error) {
	if addr == "" {
		return nil, nil, nil
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen grpc: %w", err)
	}

	go func() {
		logger.Infof("gRPC health слушает %s", addr)
		errCh <- grpcServer.Serve(lis)
	}()
	return grpcServer, healthServer, nil
}

// stopGRPC переводит health в NOT_SERVING и останавливает сервер с таймаутом.
func stopGRPC(grpcServer *grpc.Server, healthServer *health.Server, timeout time.Duration, logger *log.Entry) {
	if grpcServer == nil {
		return
	}
	healthServer.Shutdown()

	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}

// startMetricsServer запускает служебный HTTP: /metrics, health-пробы и /version.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsMux(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger, 5*time.Second)
	}()

	return srv
}

func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/version", version.Handler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry, timeout time.Duration) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

// waitWorkers ждёт завершения воркеров не дольше timeout.
func waitWorkers(wg *sync.WaitGroup, timeout time.Duration, logger *log.Entry) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("background workers did not stop in time")
	}
}
