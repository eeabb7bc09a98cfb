// serial-scheduler — процесс планировщика выпуска эпизодов.
//
// Порядок запуска:
//
//  1. конфигурация (SERIAL_*, .env) и логгер
//  2. хранилище: PostgreSQL + миграции, либо память (SERIAL_STORE_DRIVER=memory)
//  3. RabbitMQ (опционально): топология, publisher, подписка на schedule.changed
//  4. executor, движок триггеров, восстановление, контроллер
//  5. HTTP API + /healthz + /metrics
//
// Остановка по SIGINT/SIGTERM: HTTP сервер, подписка, движок (ждёт публикаций), соединения.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Serial/internal/api"
	"github.com/shaiso/Serial/internal/config"
	"github.com/shaiso/Serial/internal/mq"
	"github.com/shaiso/Serial/internal/repo"
	"github.com/shaiso/Serial/internal/scheduler"
	"github.com/shaiso/Serial/internal/telemetry"
	"github.com/shaiso/Serial/internal/worker"
)

var startTime = time.Now()

func main() {
	if err := run(); err != nil {
		slog.Error("serial-scheduler failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat).With("instance_id", cfg.InstanceID)
	logger.Info("starting serial-scheduler", "store", cfg.StoreDriver, "http_addr", cfg.HTTPAddr)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Хранилище
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// RabbitMQ (опционально)
	var (
		conn      *mq.Connection
		publisher *mq.Publisher
	)
	if cfg.RabbitMQURL != "" {
		conn, err = mq.NewConnection(cfg.RabbitMQURL, "serial-scheduler-"+cfg.InstanceID, logger)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer conn.Close()

		if err := mq.SetupTopology(ctx, conn, cfg.InstanceID); err != nil {
			return fmt.Errorf("setup rabbitmq topology: %w", err)
		}
		logger.Debug("rabbitmq topology declared", "topology", mq.TopologyInfo())

		publisher = mq.NewPublisher(conn, cfg.InstanceID, logger)
	} else {
		logger.Warn("SERIAL_RABBITMQ_URL is not set, notifications go to the log only")
	}

	// Executor
	backoff, err := worker.ParseBackoff(cfg.RetryBackoff)
	if err != nil {
		return err
	}
	execCfg := worker.ExecutorConfig{
		Store: store,
		Policy: worker.RetryPolicy{
			Backoff:     backoff,
			Delay:       cfg.RetryDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.MaxAttempts,
		},
		ContentTimeout: cfg.ContentTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
		Metrics:        metrics,
		Logger:         logger,
	}
	if cfg.ContentBaseURL != "" {
		execCfg.Content = worker.NewHTTPContentProvider(cfg.ContentBaseURL, nil)
	} else {
		logger.Warn("SERIAL_CONTENT_BASE_URL is not set, publishing placeholder content")
		execCfg.Content = worker.NewPlaceholderContentProvider()
	}
	if publisher != nil {
		notifier := worker.NewMQNotifier(publisher)
		execCfg.Notifier = notifier
		execCfg.Alerts = notifier
	}
	executor := worker.NewExecutor(execCfg)

	// Движок, восстановление, контроллер
	engine := scheduler.NewEngine(scheduler.EngineConfig{
		Store:          store,
		Executor:       executor,
		InstanceID:     cfg.InstanceID,
		PoolSize:       cfg.WorkerPoolSize,
		ResyncInterval: cfg.ResyncInterval,
		Metrics:        metrics,
		Logger:         logger,
	})

	recovery := scheduler.NewRecovery(scheduler.RecoveryConfig{
		Store:         store,
		Engine:        engine,
		InstanceID:    cfg.InstanceID,
		MisfireGrace:  cfg.MisfireGrace,
		OrphanAfter:   cfg.OrphanAfter,
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
		Metrics:       metrics,
		Logger:        logger,
	})

	ctrlCfg := scheduler.ControllerConfig{
		Store:      store,
		Engine:     engine,
		StartGrace: cfg.StartGrace,
		Logger:     logger,
	}
	if publisher != nil {
		ctrlCfg.Changes = publisher
	}
	controller := scheduler.NewController(ctrlCfg)

	if _, err := recovery.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	// HTTP
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())
	api.NewHandler(api.Config{Scheduler: controller, Logger: logger}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// зависшие захваты, оставленные при старте другим экземплярам
	g.Go(func() error {
		return recovery.Run(gctx)
	})

	if conn != nil {
		subscriber := mq.NewChangeConsumer(conn, cfg.InstanceID, logger, func(ctx context.Context, changes []mq.ScheduleChangedPayload) error {
			for _, change := range changes {
				logger.Debug("schedule changed by another instance", "story_id", change.StoryID, "action", change.Action)
			}
			return engine.Resync(ctx)
		})
		g.Go(func() error {
			if err := subscriber.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("schedule change consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("serial-scheduler stopped")
	return nil
}

// openStore открывает хранилище по SERIAL_STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, schedules will not survive a restart")
		return repo.NewMemoryStore(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("connected to database")

	if err := repo.Migrate(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	return repo.NewPGStore(pool, repo.RetryConfig{}), pool.Close, nil
}
