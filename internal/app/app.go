// Package app собирает процесс маркетплейса: хранилища, сервисы, HTTP API, воркеры и admin-листенеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/artisanmarket/marketplace/internal/health"
	"github.com/artisanmarket/marketplace/internal/metrics"
	"github.com/artisanmarket/marketplace/internal/service/audit"
	"github.com/artisanmarket/marketplace/internal/service/checkout"
	"github.com/artisanmarket/marketplace/internal/service/httpapi"
	"github.com/artisanmarket/marketplace/internal/service/idempotency"
	"github.com/artisanmarket/marketplace/internal/service/lifecycle"
	"github.com/artisanmarket/marketplace/internal/service/media"
	"github.com/artisanmarket/marketplace/internal/service/optimizer"
	"github.com/artisanmarket/marketplace/internal/service/outbox"
	"github.com/artisanmarket/marketplace/internal/version"
)

const readHeaderTimeout = 10 * time.Second

// App — собранный процесс. Создаётся New, запускается Run.
type App struct {
	cfg    Config
	logger *log.Entry

	registry *prometheus.Registry
	deps     *runtimeDependencies
	links    *transports

	api     http.Handler
	ops     http.Handler
	grpc    *grpc.Server
	grpcHC  *grpchealth.Server
	workers []runner
}

// Run собирает приложение и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// New проверяет конфигурацию и собирает зависимости. Сетевые листенеры открывает Run.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := log.WithField("component", "app")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	orderMetrics := metrics.NewOrderMetricsWithRegisterer(registry)
	mediaMetrics := metrics.NewMediaMetricsWithRegisterer(registry)
	recorder := audit.NewRecorder(deps.auditRepo, logger.WithField("component", "audit"))

	processor := optimizer.NewProcessor(deps.media, deps.blobs,
		optimizer.WithLogger(logger.WithField("component", "media-optimizer")),
		optimizer.WithMetrics(mediaMetrics),
		optimizer.WithJobTimeout(cfg.OptimizerJobTimeout),
	)
	pool := optimizer.NewPool(processor, cfg.OptimizerWorkers, cfg.OptimizerQueueSize,
		logger.WithField("component", "media-optimizer-pool"), mediaMetrics)
	poller := optimizer.NewPoller(deps.media, pool, optimizer.PollerOptions{
		Logger:       logger.WithField("component", "media-job-poller"),
		Metrics:      mediaMetrics,
		PollInterval: cfg.OptimizerPollInterval,
		BatchSize:    cfg.OptimizerPollBatch,
		JobTimeout:   cfg.OptimizerJobTimeout,
		Grace:        cfg.OptimizerReapGrace,
	})

	links, err := initTransports(cfg, pool, logger)
	if err != nil {
		deps.close(logger)
		return nil, err
	}

	checkoutSvc := checkout.NewService(deps.tx, deps.orders, checkout.Config{
		TaxRate: cfg.TaxRate,
		Rates:   cfg.ShippingRates(),
	},
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithMetrics(orderMetrics),
		checkout.WithAudit(recorder),
	)
	lifecycleSvc := lifecycle.NewService(deps.tx, deps.orders,
		lifecycle.WithLogger(logger.WithField("component", "order-lifecycle")),
		lifecycle.WithMetrics(orderMetrics),
		lifecycle.WithAudit(recorder),
	)
	mediaSvc := media.NewService(deps.media, deps.blobs, links.mediaNotifier, media.Config{
		MaxUploadBytes: cfg.MediaMaxUploadBytes,
		Prefix:         cfg.MediaPrefix,
	},
		media.WithLogger(logger.WithField("component", "media")),
		media.WithMetrics(mediaMetrics),
		media.WithAudit(recorder),
	)

	api := httpapi.NewHandler(httpapi.Options{
		Checkout:       checkoutSvc,
		Lifecycle:      lifecycleSvc,
		Media:          mediaSvc,
		Idempotency:    deps.idempotencyRepo,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Metrics:        metrics.NewHTTPMetricsWithRegisterer(registry),
		Logger:         logger.WithField("component", "http-api"),
	})

	outboxWorker := outbox.NewWorker(deps.outboxRepo, links.outboxPublisher,
		outbox.WithLogger(logger.WithField("component", "order-events-outbox")),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registry)),
		outbox.WithDLQPublisher(links.dlqPublisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithMetrics(metrics.NewCleanupMetricsWithRegisterer(registry)),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	if links.outboxPublisher == nil {
		logger.Warn("no order event publisher configured, outbox messages stay pending")
	}

	healthHandler := health.NewHandler(version.Service, version.Version(), 0)
	healthHandler.Register("blob", true, deps.blobs.Probe)
	if deps.ping != nil {
		healthHandler.Register("postgres", true, deps.ping)
	}
	healthHandler.Register("media_queue", false, func(context.Context) error {
		if pending := pool.Pending(); pending >= cfg.OptimizerQueueSize {
			return fmt.Errorf("optimizer queue is full (%d)", pending)
		}
		return nil
	})

	grpcServer, grpcHC := newAdminGRPCServer(registry, logger)

	workers := []runner{
		{name: "media-optimizer-pool", run: pool.Run},
		{name: "media-job-poller", run: poller.Run},
		{name: "order-events-outbox", run: outboxWorker.Run},
		{name: "idempotency-cleanup", run: cleanupWorker.Run},
	}
	workers = append(workers, links.consumers...)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		deps:     deps,
		links:    links,
		api:      api.Router(),
		ops:      newOpsMux(registry, healthHandler),
		grpc:     grpcServer,
		grpcHC:   grpcHC,
		workers:  workers,
	}, nil
}

// Handler возвращает HTTP API.
func (a *App) Handler() http.Handler {
	return a.api
}

// OpsHandler возвращает обработчик /metrics и health-проб.
func (a *App) OpsHandler() http.Handler {
	return a.ops
}

// Run открывает листенеры и запускает воркеры. Возвращает nil при штатной остановке по ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.deps.close(a.logger)
	defer a.links.close(a.logger)

	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	opsLis, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		_ = opsLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	a.logger.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":    httpLis.Addr().String(),
		"metrics_addr": opsLis.Addr().String(),
		"grpc_addr":    grpcLis.Addr().String(),
		"storage":      a.cfg.StorageDriver,
		"media_queue":  a.cfg.MediaQueueDriver,
	}).Info("marketplace started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gctx, "api", httpLis, a.api, a.cfg.ShutdownTimeout, a.logger)
	})
	g.Go(func() error {
		return serveHTTP(gctx, "ops", opsLis, a.ops, a.cfg.ShutdownTimeout, a.logger)
	})
	g.Go(func() error {
		return serveGRPC(gctx, a.grpc, a.grpcHC, grpcLis, a.cfg.ShutdownTimeout, a.logger)
	})
	for _, w := range a.workers {
		g.Go(func() error {
			if err := w.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", w.name, err)
			}
			return nil
		})
	}

	err = g.Wait()
	a.logger.Info("marketplace stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newOpsMux(registry *prometheus.Registry, healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// newAdminGRPCServer собирает gRPC-листенер с health, reflection и метриками вызовов.
func newAdminGRPCServer(registry prometheus.Registerer, logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	if err := registry.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(version.Service, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	return server, healthServer
}

// serveHTTP обслуживает lis до отмены ctx и затем аккуратно останавливает сервер.
func serveHTTP(ctx context.Context, name string, lis net.Listener, handler http.Handler, timeout time.Duration, logger *log.Entry) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s http server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("server", name).Warn("http shutdown with error")
	}
	return nil
}

// serveGRPC обслуживает admin gRPC. GracefulStop ограничен timeout, затем Stop.
func serveGRPC(ctx context.Context, server *grpc.Server, hc *grpchealth.Server, lis net.Listener, timeout time.Duration, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc server: %w", err)
	case <-ctx.Done():
	}

	hc.Shutdown()
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("grpc graceful stop timed out, forcing stop")
		server.Stop()
	}
	return nil
}
