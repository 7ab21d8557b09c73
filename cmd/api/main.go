package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/docbatch-engine/internal/config"
	"github.com/kursadbilgin/docbatch-engine/internal/executor"
	"github.com/kursadbilgin/docbatch-engine/internal/handler"
	"github.com/kursadbilgin/docbatch-engine/internal/infra/pebble"
	"github.com/kursadbilgin/docbatch-engine/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/docbatch-engine/internal/infra/redis"
	"github.com/kursadbilgin/docbatch-engine/internal/observability"
	"github.com/kursadbilgin/docbatch-engine/internal/queue"
	"github.com/kursadbilgin/docbatch-engine/internal/ratelimit"
	"github.com/kursadbilgin/docbatch-engine/internal/registry"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"github.com/kursadbilgin/docbatch-engine/internal/service"
	"github.com/kursadbilgin/docbatch-engine/internal/storage/localfs"
	"github.com/kursadbilgin/docbatch-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	redisNamespace  = "docbatch:"
	uploadBodyLimit = 256 << 20
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *goredis.Client
	if cfg.StoreBackend == config.StoreBackendRedis || cfg.RateLimitBackend == config.RateLimitRedis {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	store, err := openStore(cfg, rdb)
	if err != nil {
		logger.Fatal("store initialization failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	blobs, err := localfs.New(cfg.BlobPath)
	if err != nil {
		logger.Fatal("blob storage initialization failed", zap.Error(err))
	}

	exec, err := buildExecutor(cfg, blobs, rdb, logger)
	if err != nil {
		logger.Fatal("executor initialization failed", zap.Error(err))
	}

	sink, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("notification sink initialization failed", zap.Error(err))
	}
	defer closeSinks()

	metrics := observability.NewMetrics()
	tracker := service.NewActivityTracker(true)

	notifier, err := service.NewNotifier(sink, store, tracker, metrics, logger)
	if err != nil {
		logger.Fatal("notifier initialization failed", zap.Error(err))
	}

	scheduler, err := service.NewScheduler(service.SchedulerConfig{
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		TickInterval:     cfg.TickInterval,
		ExecutorTimeout:  cfg.ExecutorTimeout,
		Retention:        cfg.Retention,
		RetentionCron:    cfg.RetentionCron,
		EstimatedPerItem: time.Duration(cfg.EstimatedSecondsPerItem) * time.Second,
	}, registry.New(), exec, store, notifier, blobs, metrics, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	report, err := scheduler.LoadAll(ctx)
	if err != nil {
		logger.Fatal("batch recovery failed", zap.Error(err))
	}
	logger.Info("batches recovered",
		zap.Int("loaded", report.Loaded),
		zap.Int("requeued", report.Requeued),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("retained", report.Retained),
		zap.Int("skipped", report.Skipped),
	)

	lifecycle := service.NewLifecycle(scheduler, notifier, tracker, logger)

	app := fiber.New(fiber.Config{
		AppName:               "docbatch-engine",
		BodyLimit:             uploadBodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(handler.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, healthChecks(store, rdb))
	if err := handler.RegisterBatchRoutes(app, scheduler); err != nil {
		logger.Fatal("batch routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterConsumerRoutes(app, lifecycle, notifier); err != nil {
		logger.Fatal("consumer routes registration failed", zap.Error(err))
	}

	go watchConsumerSignals(ctx, lifecycle, logger)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("docbatch-engine api started", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	g.Go(func() error {
		return scheduler.RunRetention(groupCtx)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpErr := app.ShutdownWithContext(shutdownCtx)
		return errors.Join(httpErr, lifecycle.OnTerminate(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("docbatch-engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("docbatch-engine stopped")
}

func openStore(cfg *config.Config, rdb *goredis.Client) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPebble:
		store, err := pebble.Open(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreBackendRedis:
		store, err := infraredis.NewStore(rdb, redisNamespace)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreBackendPostgres:
		store, err := postgresql.NewRecordStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreBackendMemory:
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildExecutor(
	cfg *config.Config,
	blobs *localfs.Storage,
	rdb *goredis.Client,
	logger *zap.Logger,
) (executor.Executor, error) {
	webhook, err := executor.NewWebhookExecutor(cfg.ExtractorURL, blobs)
	if err != nil {
		return nil, err
	}

	var exec executor.Executor = webhook
	switch cfg.RateLimitBackend {
	case config.RateLimitLocal:
		burst := int(math.Ceil(cfg.RateLimitPerSec))
		exec = executor.NewRateLimitedExecutor(exec, ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec, burst), "extractor")
	case config.RateLimitRedis:
		limiter, err := infraredis.NewRedisRateLimiter(rdb, int(math.Max(1, cfg.RateLimitPerSec)))
		if err != nil {
			return nil, err
		}
		exec = executor.NewRateLimitedExecutor(exec, limiter, "extractor")
	}

	if cfg.BreakerEnabled {
		exec = executor.NewBreakerExecutor(exec, executor.BreakerConfig{
			Name:         "extractor",
			OpenTimeout:  cfg.BreakerOpenTimeout,
			MinRequests:  uint32(cfg.BreakerMinRequests),
			FailureRatio: cfg.BreakerFailureRatio,
		}, logger)
	}

	return exec, nil
}

func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Sink, func(), error) {
	multi := queue.NewMultiSink(logger)
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("sink close failed", zap.Error(err))
			}
		}
	}

	for _, name := range cfg.Sinks() {
		switch name {
		case config.SinkLog:
			multi.Add(name, queue.NewLogSink(logger))
		case config.SinkRabbitMQ:
			client, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sink := queue.NewPublisherSink(queue.NewRabbitMQPublisher(client))
			closers = append(closers, sink.Close)
			multi.Add(name, sink)
		case config.SinkNATS:
			sink, err := queue.NewNATSSink(cfg.NATSURL, cfg.NATSSubject, queue.NATSOptions{}, logger)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, sink.Close)
			multi.Add(name, sink)
		}
	}

	if multi.Len() == 0 {
		multi.Add(config.SinkLog, queue.NewLogSink(logger))
	}
	return multi, closeAll, nil
}

func healthChecks(store repository.Store, rdb *goredis.Client) map[string]repository.Pinger {
	checks := make(map[string]repository.Pinger)
	if p, ok := store.(repository.Pinger); ok {
		checks["store"] = p
	}
	if _, isRedisStore := store.(*infraredis.Store); rdb != nil && !isRedisStore {
		if redisStore, err := infraredis.NewStore(rdb, redisNamespace); err == nil {
			checks["redis"] = redisStore
		}
	}
	return checks
}

// watchConsumerSignals maps SIGTSTP to suspend and SIGCONT to resume so a
// supervisor can drive the consumer without the HTTP surface.
func watchConsumerSignals(ctx context.Context, lifecycle *service.Lifecycle, logger *zap.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGTSTP:
				lifecycle.OnSuspend()
			case syscall.SIGCONT:
				delivered, err := lifecycle.OnResume(ctx)
				if err != nil {
					logger.Warn("resume flush incomplete", zap.Int("delivered", delivered), zap.Error(err))
				}
			}
		}
	}
}
