// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "distributed-repeater/internal/api/http"
	"distributed-repeater/internal/config"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/repeater"
	"distributed-repeater/internal/scheduler"
	"distributed-repeater/internal/tracing"
	"distributed-repeater/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	instanceID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instance_id", instanceID)
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	logger.Info("starting distributed repeater node", "driver", cfg.Database.Driver, "table_prefix", cfg.Database.TablePrefix)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Connect to the shared store
	db, err := sqldb.Open(rootCtx, sqldb.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		TablePrefix:  cfg.Database.TablePrefix,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnMaxLife:  cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.InstallSchema {
		if err := db.Install(rootCtx); err != nil {
			log.Fatalf("Failed to install schema: %v", err)
		}
		logger.Info("schema installed")
	}

	// 6. Instantiate components
	locker := sqldb.NewLocker(db, logger,
		sqldb.WithLockTTL(cfg.Locking.TTL),
		sqldb.WithPollInterval(cfg.Locking.PollInterval),
	)
	engine := repeater.New(locker, logger, repeater.WithDefaultTimeout(cfg.Locking.DefaultTimeout))
	counters := sqldb.NewCounterRepository(logger)

	aggregator := usecase.NewCountersAggregator(db, engine, counters, usecase.AggregatorConfig{
		Interval:    cfg.Aggregation.Interval,
		PassSize:    cfg.Aggregation.PassSize,
		PassDelay:   cfg.Aggregation.PassDelay,
		LockTimeout: cfg.Aggregation.LockTimeout,
	}, logger)
	expiration := usecase.NewExpirationManager(db, engine, counters, locker, usecase.ExpirationConfig{
		BatchSize:   cfg.Expiration.BatchSize,
		LockTimeout: cfg.Aggregation.LockTimeout,
	}, logger)
	counterService := usecase.NewCounterService(db, engine, counters, cfg.Locking.DefaultTimeout, logger)

	taskScheduler := scheduler.NewTaskScheduler(logger, cfg.Scheduler.ErrorDelay)
	taskScheduler.AddPeriodic(aggregator)
	if err := taskScheduler.AddScheduled(cfg.Expiration.Schedule, expiration); err != nil {
		log.Fatalf("Failed to schedule expiration manager: %v", err)
	}

	counterHandler := http_api.NewCounterHandler(counterService, logger)

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	counterHandler.RegisterRoutes(mux)

	// 8. Start the task scheduler
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := taskScheduler.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("task scheduler stopped with error", "error", err)
		}
	}()

	// 9. Start HTTP server
	logger.Info("starting HTTP server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	<-schedulerDone

	logger.Info("application shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
