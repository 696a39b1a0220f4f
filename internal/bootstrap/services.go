package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terraprisma/api/config"
	"github.com/terraprisma/api/internal/adapters/planner"
	"github.com/terraprisma/api/internal/adapters/sweeper"
	"github.com/terraprisma/api/internal/adapters/worker"
	"github.com/terraprisma/api/internal/core"
	"github.com/terraprisma/api/internal/data"
	httpx "github.com/terraprisma/api/internal/http"
	"github.com/terraprisma/api/internal/observability/statsd"
	"github.com/terraprisma/api/internal/service"
)

const shutdownTimeout = 15 * time.Second

// ServiceDeps groups dependencies for service initialization. DB may be nil
// in development, in which case the in-memory store is used; RedisClient may
// be nil, which disables the metrics cache.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// ServiceContainer holds the wired application services.
type ServiceContainer struct {
	Store       core.DocumentStore
	Jobs        *service.JobService
	Plans       *service.PlanService
	MetricsSink *statsd.Client
}

// NewServices wires the store, cache, metrics sink, and services.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var store core.DocumentStore
	if deps.DB != nil {
		store = data.NewPGDocStore(deps.DB, data.PGDocStoreOptions{Logger: logger})
	} else {
		logger.Warn("no database connection, using in-memory document store")
		store = data.NewMemDocStore(data.MemDocStoreOptions{})
	}

	var metricsSink *statsd.Client
	if deps.Config.Observability.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: deps.Config.Observability.Metrics.StatsdAddress,
			Prefix:  deps.Config.Observability.Metrics.StatsdPrefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	var metricsCache core.MetricsCache
	if deps.RedisClient != nil {
		metricsCache = data.NewRedisMetricsCache(deps.RedisClient)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Store:          store,
		MaxAttempts:    deps.Config.Queue.MaxAttempts,
		RunningTimeout: deps.Config.Queue.RunningTimeout,
		Logger:         logger,
		Metrics:        metricsSink,
		MetricsCache:   metricsCache,
		MetricsTTL:     deps.Config.Queue.MetricsCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	plans, err := service.NewPlanService(service.PlanServiceOptions{
		Store:     store,
		Generator: planner.Static{},
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create plan service: %w", err)
	}

	return &ServiceContainer{
		Store:       store,
		Jobs:        jobs,
		Plans:       plans,
		MetricsSink: metricsSink,
	}, nil
}

// EnsureSchema creates the document schema when running on Postgres.
func EnsureSchema(ctx context.Context, services *ServiceContainer) error {
	pg, ok := services.Store.(*data.PGDocStore)
	if !ok {
		return nil
	}
	return pg.EnsureSchema(ctx)
}

// RunServicesWithShutdown starts the enabled services and blocks until a
// shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) error {
	if cfg == nil || services == nil {
		return errors.New("config and services are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg         sync.WaitGroup
		errCh      = make(chan error, len(enabled)+1)
		httpServer *http.Server
	)

	if enabled[config.ServiceModeHTTP] {
		httpServer = &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: httpx.NewRouter(httpx.RouterServices{
				Jobs:   services.Jobs,
				Plans:  services.Plans,
				Logger: logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if enabled[config.ServiceModeWorker] {
		runner, err := worker.NewRunner(worker.RunnerOptions{
			Jobs:         services.Jobs,
			Plans:        services.Plans,
			Logger:       logger,
			Metrics:      services.MetricsSink,
			PollInterval: cfg.Worker.PollInterval,
			Concurrency:  cfg.Worker.Concurrency,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		}()
	}

	if enabled[config.ServiceModeSweeper] {
		runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
			Jobs:          services.Jobs,
			Schedule:      cfg.Sweeper.Schedule,
			Logger:        logger,
			Metrics:       services.MetricsSink,
			Store:         services.Store,
			StartupJitter: cfg.Sweeper.StartupJitter,
		})
		if err != nil {
			return fmt.Errorf("create sweeper: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("sweeper: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("service failed, shutting down", "error", runErr)
	}

	cancel()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	}
	wg.Wait()

	if services.MetricsSink != nil {
		if err := services.MetricsSink.Close(); err != nil {
			logger.Error("close metrics sink failed", "error", err)
		}
	}
	return runErr
}
