package bootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aurelia-ai/pipeline/config"
	"github.com/aurelia-ai/pipeline/internal/adapters/reaper"
	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/depgraph"
	"github.com/aurelia-ai/pipeline/internal/domain/guard"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/etl"
	httpx "github.com/aurelia-ai/pipeline/internal/http"
	"github.com/aurelia-ai/pipeline/internal/objectstore"
	"github.com/aurelia-ai/pipeline/internal/observability/notify"
	"github.com/aurelia-ai/pipeline/internal/observability/notify/pagerduty"
	"github.com/aurelia-ai/pipeline/internal/observability/notify/slack"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
	"github.com/aurelia-ai/pipeline/internal/workqueue"
)

// ServiceDeps groups the external connections services are built from.
type ServiceDeps struct {
	Config  *config.AppConfig
	DB      *sql.DB
	Redis   redis.UniversalClient
	Storage objectstore.Store
	Logger  *slog.Logger
}

// ObservabilityContainer holds the metric and alert sinks shared by services.
type ObservabilityContainer struct {
	Metrics  *statsd.Client
	Notifier notify.Sink
}

// ServiceContainer holds all constructed services.
type ServiceContainer struct {
	Registry      *guard.Registry
	Guard         *guard.Guard
	Queue         *workqueue.Queue
	Worker        *workqueue.Worker
	Reaper        *reaper.Runner
	Runs          *data.JobRunRepo
	Breakers      *data.BreakerRepo
	Observability ObservabilityContainer
}

type serviceRepositories struct {
	breakers   *data.BreakerRepo
	runs       *data.JobRunRepo
	watermarks *data.WatermarkRepo
	sources    *data.SourceRepo
	records    *data.CleanedRecordRepo
	deps       *data.DependencyRepo
}

func buildRepositories(db *sql.DB) *serviceRepositories {
	tp := &data.RealTimeProvider{}
	return &serviceRepositories{
		breakers:   data.NewBreakerRepo(db),
		runs:       data.NewJobRunRepo(db, tp),
		watermarks: data.NewWatermarkRepo(db),
		sources:    data.NewSourceRepo(db),
		records:    data.NewCleanedRecordRepo(db, tp),
		deps:       data.NewDependencyRepo(db),
	}
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) (ObservabilityContainer, error) {
	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Metrics.IsEnabled(),
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  "pipeline",
		Logger:  logger,
	})
	if err != nil {
		return ObservabilityContainer{}, fmt.Errorf("build statsd client: %w", err)
	}

	notifier, err := buildNotifier(cfg.Notifications)
	if err != nil {
		return ObservabilityContainer{}, err
	}

	return ObservabilityContainer{Metrics: metrics, Notifier: notifier}, nil
}

//nolint:ireturn // returning notify.Sink lets the fanout membership vary with config.
func buildNotifier(cfg config.ObservabilityNotificationsConfig) (notify.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var sinks notify.Fanout

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("build slack notifier: %w", err)
		}
		sinks = append(sinks, client)
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("build pagerduty notifier: %w", err)
		}
		sinks = append(sinks, client)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// tenantStage is one tenant's slice of a registered job.
type tenantStage struct {
	tenant string
	run    guard.Handler
}

// multiTenantHandler runs each tenant's stage in order. With a single
// tenant the stage summary passes through unchanged; with several the
// summaries are keyed by tenant id. The first failing tenant aborts the
// run so the breaker sees it.
func multiTenantHandler(stages []tenantStage) guard.Handler {
	if len(stages) == 1 {
		return stages[0].run
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		summaries := make(map[string]json.RawMessage, len(stages))
		for _, stage := range stages {
			summary, err := stage.run(ctx)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", stage.tenant, err)
			}
			summaries[stage.tenant] = summary
		}
		merged, err := json.Marshal(map[string]any{"tenants": summaries})
		if err != nil {
			return nil, fmt.Errorf("marshal run summary: %w", err)
		}
		return merged, nil
	}
}

type registryDeps struct {
	cfg     *config.AppConfig
	repos   *serviceRepositories
	storage objectstore.Store
	queue   *workqueue.Queue
	logger  *slog.Logger
	metrics statsd.Sink
}

// buildRegistry registers a bronze and a silver job per data type. Each
// job covers every configured tenant.
func buildRegistry(deps registryDeps) (*guard.Registry, error) {
	registry := guard.NewRegistry()
	pipeline := deps.cfg.Pipeline

	for _, dataType := range model.AllDataTypes() {
		bronzeStages := make([]tenantStage, 0, len(pipeline.Tenants))
		silverStages := make([]tenantStage, 0, len(pipeline.Tenants))

		for _, tenant := range pipeline.Tenants {
			extractor, err := etl.NewBronzeExtractor(etl.BronzeOptions{
				TenantID:   tenant,
				DataType:   dataType,
				Source:     deps.repos.sources,
				Store:      deps.storage,
				Watermarks: deps.repos.watermarks,
				Trigger:    deps.queue,
				Logger:     deps.logger,
				Metrics:    deps.metrics,
			})
			if err != nil {
				return nil, fmt.Errorf("build bronze extractor %s/%s: %w", tenant, dataType, err)
			}
			bronzeStages = append(bronzeStages, tenantStage{tenant: tenant, run: extractor.Run})

			transformer, err := etl.NewSilverTransformer(etl.SilverOptions{
				TenantID:        tenant,
				DataType:        dataType,
				Store:           deps.storage,
				Records:         deps.repos.records,
				Watermarks:      deps.repos.watermarks,
				ReadConcurrency: pipeline.SilverReadConcurrency,
				Logger:          deps.logger,
				Metrics:         deps.metrics,
			})
			if err != nil {
				return nil, fmt.Errorf("build silver transformer %s/%s: %w", tenant, dataType, err)
			}
			silverStages = append(silverStages, tenantStage{tenant: tenant, run: transformer.Run})
		}

		err := registry.Register(guard.JobSpec{
			Name:             etl.BronzeJobName(dataType),
			Handler:          multiTenantHandler(bronzeStages),
			Timeout:          pipeline.BronzeTimeout,
			BreakerThreshold: pipeline.BreakerThreshold,
			BreakerCooldown:  pipeline.BreakerCooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("register bronze job %s: %w", dataType, err)
		}

		err = registry.Register(guard.JobSpec{
			Name:             etl.SilverJobName(dataType),
			Handler:          multiTenantHandler(silverStages),
			Timeout:          pipeline.SilverTimeout,
			BreakerThreshold: pipeline.BreakerThreshold,
			BreakerCooldown:  pipeline.BreakerCooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("register silver job %s: %w", dataType, err)
		}
	}

	return registry, nil
}

// NewServices wires repositories, the job registry, the guard, and the
// background services from connected dependencies.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	observability, err := buildObservability(logger, cfg.Observability)
	if err != nil {
		return ServiceContainer{}, err
	}

	repos := buildRepositories(deps.DB)

	consumer := cfg.Worker.Consumer
	if consumer == "" {
		if hostname, hostErr := os.Hostname(); hostErr == nil {
			consumer = hostname
		} else {
			consumer = "pipeline-worker"
		}
	}

	queue, err := workqueue.NewQueue(workqueue.QueueOptions{
		Client:   deps.Redis,
		Name:     cfg.Worker.QueueName,
		Consumer: consumer,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build work queue: %w", err)
	}

	registry, err := buildRegistry(registryDeps{
		cfg:     cfg,
		repos:   repos,
		storage: deps.Storage,
		queue:   queue,
		logger:  logger,
		metrics: observability.Metrics,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	checker := depgraph.NewChecker(repos.deps, repos.runs, cfg.Pipeline.StalenessThreshold, time.Now)

	jobGuard, err := guard.New(guard.Options{
		Registry: registry,
		Breakers: repos.breakers,
		Deps:     checker,
		Runs:     repos.runs,
		Logger:   logger,
		Metrics:  observability.Metrics,
		Notifier: observability.Notifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build guard: %w", err)
	}

	worker, err := workqueue.NewWorker(workqueue.WorkerOptions{
		Queue:       queue,
		Executor:    jobGuard,
		Logger:      logger,
		Concurrency: cfg.Worker.Concurrency,
		PollTimeout: cfg.Worker.PollTimeout,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build worker: %w", err)
	}

	reaperRunner, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:    repos.runs,
		Config:  cfg.Reaper,
		Logger:  logger,
		Metrics: observability.Metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build reaper: %w", err)
	}

	return ServiceContainer{
		Registry:      registry,
		Guard:         jobGuard,
		Queue:         queue,
		Worker:        worker,
		Reaper:        reaperRunner,
		Runs:          repos.runs,
		Breakers:      repos.breakers,
		Observability: observability,
	}, nil
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

// StartHTTPServer builds and starts the trigger and read API server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *ServiceOrchestrationConfig) *http.Server {
	if cfg == nil || cfg.Config == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := httpx.NewRouter(httpx.RouterServices{
		Executor:      cfg.Services.Guard,
		Runs:          cfg.Services.Runs,
		Breakers:      cfg.Services.Breakers,
		Logger:        logger,
		TriggerSecret: cfg.Config.HTTP.TriggerSecret,
	})

	server := &http.Server{
		Addr:              cfg.Config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	return server
}

func launchBackground(ctx context.Context, logger *slog.Logger, errCh chan<- error, descriptor backgroundService) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			wrapped := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case errCh <- wrapped:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", wrapped)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeWorker,
			name: "queue worker",
			start: func(ctx context.Context) error {
				return cfg.Services.Worker.Run(ctx)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "run reaper",
			start: func(ctx context.Context) error {
				return cfg.Services.Reaper.Run(ctx)
			},
		},
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, len(enabled)+1)

	var httpServer *http.Server
	if enabled[config.ServiceModeHTTP] {
		httpServer = StartHTTPServer(cfg)
	}

	handles := make([]backgroundServiceHandle, 0, 2)
	for _, svc := range buildBackgroundServices(cfg) {
		if !enabled[svc.mode] {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			name: svc.name,
			done: launchBackground(serviceCtx, logger, errCh, svc),
		})
	}

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  httpServer,
		metrics:     cfg.Services.Observability.Metrics,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	metrics     *statsd.Client
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := cfg.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		cfg.logger.Info("http server stopped")
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.metrics != nil {
		if err := cfg.metrics.Close(); err != nil {
			cfg.logger.Warn("close metrics client", "error", err)
		}
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
