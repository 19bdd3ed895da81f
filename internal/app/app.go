package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"ListingRadar/internal/classifier"
	"ListingRadar/internal/config"
	"ListingRadar/internal/httpapi"
	"ListingRadar/internal/infrastructure/queue"
	"ListingRadar/internal/infrastructure/scheduler"
	"ListingRadar/internal/infrastructure/storage"
	"ListingRadar/internal/infrastructure/telegram"
	"ListingRadar/internal/logging"
	"ListingRadar/internal/ports"
	"ListingRadar/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	store   ports.Store
	queue   ports.JobQueue
	worker  *usecase.Worker
	sweeper *usecase.Sweeper
	retrier *usecase.Retrier
	server  *http.Server
}

// New opens the store and queue and builds every use case. Close releases what New opened.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := OpenStore(ctx, cfg.Database, baseLogger)
	if err != nil {
		return nil, err
	}

	jobs, err := OpenQueue(ctx, cfg, baseLogger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	extractor, err := classifier.Default().Build(cfg.Classifier, baseLogger.With("component", "classifier."+cfg.Classifier.Provider))
	if err != nil {
		_ = jobs.Close()
		_ = store.Close()
		return nil, err
	}

	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Filters:    store,
		Deliveries: store,
		Messages:   store,
		Transport:  telegram.NewNotifier(cfg.Telegram),
		Timeout:    cfg.Dispatch.Timeout,
		Logger:     baseLogger.With("component", "dispatcher"),
	})
	worker := usecase.NewWorker(usecase.WorkerDeps{
		Messages:            store,
		Classifier:          extractor,
		Dispatcher:          dispatcher,
		ConfidenceThreshold: cfg.Classifier.ConfidenceThreshold,
		ClassifierTimeout:   cfg.Classifier.Timeout,
		Logger:              baseLogger.With("component", "worker"),
	})
	retrier := usecase.NewRetrier(usecase.RetrierDeps{
		Messages:   store,
		Records:    store,
		Deliveries: store,
		Queue:      jobs,
		Dispatcher: dispatcher,
		Logger:     baseLogger.With("component", "retrier"),
	})
	sweeper := usecase.NewSweeper(usecase.SweeperDeps{
		Messages:   store,
		Records:    store,
		Queue:      jobs,
		Dispatcher: dispatcher,
		Driver:     scheduler.NewCronScheduler(cfg.Sweeper.CronExpression, baseLogger.With("component", "scheduler")),
		StaleAfter: cfg.Sweeper.StaleAfter,
		BatchSize:  cfg.Sweeper.BatchSize,
		Logger:     baseLogger.With("component", "sweeper"),
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Ingestor: usecase.NewIngestor(store, jobs, baseLogger.With("component", "ingestor")),
		Retrier:  retrier,
		Filters:  usecase.NewFilterService(store),
		Stats:    store,
		Logger:   baseLogger.With("component", "http"),
	})

	return &Application{
		cfg:     cfg,
		logger:  baseLogger,
		store:   store,
		queue:   jobs,
		worker:  worker,
		sweeper: sweeper,
		retrier: retrier,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Retrier exposes the operator actions to the CLI.
func (a *Application) Retrier() *usecase.Retrier {
	return a.retrier
}

// Run consumes the queue, serves HTTP and runs the sweeper until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("worker consuming", "backend", a.cfg.Queue.Backend, "lanes", a.cfg.Workers.Count)
		if err := a.queue.Consume(gctx, a.worker.Handle); err != nil {
			return fmt.Errorf("consume queue: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sweeper.RunOnce(gctx)
		if err := a.sweeper.Start(gctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.sweeper.Stop(stopCtx)
	})

	g.Go(func() error {
		a.logger.Info("http listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the queue and the store.
func (a *Application) Close() error {
	return errors.Join(a.queue.Close(), a.store.Close())
}

// OpenStore opens the configured Record Store. Postgres is pinged with backoff and migrated.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (ports.Store, error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := openPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	case "badger", "memory":
		repo, err := storage.OpenBadger(storage.BadgerConfig{
			Path:     cfg.Path,
			InMemory: cfg.Driver == "memory",
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*storage.PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Attempts(6),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("postgres not ready", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return storage.NewPostgresRepository(db), nil
}

// OpenQueue connects the configured Work Queue backend.
func OpenQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.JobQueue, error) {
	queueLogger := logger.With("component", "queue."+cfg.Queue.Backend)
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(cfg.Workers.Count, cfg.Queue.Buffer, queueLogger), nil
	case "kafka":
		q, err := queue.DialKafka(queue.KafkaConfig{
			Brokers: cfg.Queue.Kafka.Brokers,
			Topic:   cfg.Queue.Kafka.Topic,
			GroupID: cfg.Queue.Kafka.GroupID,
		}, queueLogger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis":
		consumer, _ := os.Hostname()
		q, err := queue.DialRedis(ctx, queue.RedisConfig{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Stream:   cfg.Queue.Redis.Stream,
			Group:    cfg.Queue.Redis.Group,
			Consumer: consumer,
			Shards:   cfg.Workers.Count,
		}, queueLogger)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
