package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/dataflow-batch/internal/batch"
	"github.com/iago/dataflow-batch/internal/config"
	httpserver "github.com/iago/dataflow-batch/internal/http"
	"github.com/iago/dataflow-batch/internal/http/handlers"
	"github.com/iago/dataflow-batch/internal/launcher"
	"github.com/iago/dataflow-batch/internal/metrics"
	"github.com/iago/dataflow-batch/internal/queue"
	"github.com/iago/dataflow-batch/internal/repository"
	"github.com/iago/dataflow-batch/internal/scheduler"
	"github.com/iago/dataflow-batch/internal/service"
	"github.com/iago/dataflow-batch/internal/validation"
	"github.com/iago/dataflow-batch/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[dataflow] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	if err := seedJobCatalog(ctx, cfg, store, logger); err != nil {
		logger.Fatalf("job catalog: %v", err)
	}

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	collectors := metrics.New()
	runLauncher := launcher.New(launcher.Dependencies{
		Executions:          store,
		Requests:            store,
		Configs:             store,
		Producer:            producer,
		Metrics:             collectors,
		Logger:              logger,
		ValidateStoragePath: cfg.Batch.ValidateStoragePath,
	})

	api := handlers.NewAPI(service.NewProcessingService(store, cfg.DefaultJobName), runLauncher)
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Metrics:        collectors.Handler(),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(worker.Dependencies{
			Consumer: consumer,
			Store:    store,
			Records:  store,
			Sink:     store,
			Metrics:  collectors,
			Logger:   logger,
		}, worker.Options{
			Batch: batch.Options{
				ChunkSize:      cfg.Batch.DefaultChunkSize,
				SkipLimit:      cfg.Batch.SkipLimit,
				PersistErrors:  cfg.Batch.PersistErrors,
				RedactRawLines: cfg.Batch.RedactRawLines,
				Retry: batch.RetryPolicy{
					Limit:        cfg.Batch.RetryLimit,
					InitialDelay: cfg.Batch.RetryInitial,
					Multiplier:   cfg.Batch.RetryMultiplier,
					MaxDelay:     cfg.Batch.RetryMax,
				},
			},
			Validation: validation.Config{
				Mode:        validation.ParseMode(cfg.Batch.ValidationMode),
				WindowYears: cfg.Batch.EventWindowYears,
			},
			MaxConcurrentRuns: cfg.WorkerMaxConcurrentRuns,
		})
		g.Go(func() error {
			processor.Start(gctx)
			return nil
		})
		logger.Printf("worker enabled and started max_concurrent_runs=%d", cfg.WorkerMaxConcurrentRuns)
	} else {
		logger.Printf("worker disabled by configuration")
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(store, store, runLauncher, collectors, logger, scheduler.Config{
			Interval:         cfg.Scheduler.Interval,
			RunningThreshold: cfg.Scheduler.RunningThreshold,
			QueryLimit:       cfg.Scheduler.QueryLimit,
		})
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		logger.Printf("scheduler disabled by configuration")
	}

	g.Go(func() error {
		logger.Printf("api listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server failed: %v", err)
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), func() {}
	}

	pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
		return repository.NewMemoryStore(), func() {}
	}
	if err := pgStore.EnsureSchema(ctx); err != nil {
		pgStore.Close()
		logger.Printf("failed to apply postgres schema, fallback to memory: %v", err)
		return repository.NewMemoryStore(), func() {}
	}
	logger.Printf("postgres store initialized")
	return pgStore, pgStore.Close
}

func seedJobCatalog(ctx context.Context, cfg config.Config, store repository.Store, logger *log.Logger) error {
	catalog := config.DefaultJobCatalog()
	if cfg.JobConfigsFile != "" {
		loaded, err := config.LoadJobCatalog(cfg.JobConfigsFile)
		if err != nil {
			return err
		}
		catalog = loaded
	}
	for _, job := range catalog {
		if err := store.SaveJobConfig(ctx, job); err != nil {
			return err
		}
	}
	if _, err := store.GetJobConfig(ctx, cfg.DefaultJobName); err != nil {
		logger.Printf("default job %q is not in the catalog: %v", cfg.DefaultJobName, err)
	}
	logger.Printf("job catalog loaded jobs=%d", len(catalog))
	return nil
}

func setupQueue(ctx context.Context, cfg config.Config, logger *log.Logger) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: 3,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}
	logger.Printf("redis streams queue initialized")
	return streams, streams, func() {
		_ = streams.Close()
	}
}
