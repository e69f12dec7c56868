package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/proxy-probe/internal/api"
	"github.com/maltedev/proxy-probe/internal/app"
	"github.com/maltedev/proxy-probe/internal/config"
	"github.com/maltedev/proxy-probe/internal/database"
	"github.com/maltedev/proxy-probe/internal/events"
	"github.com/maltedev/proxy-probe/internal/runs"
	"github.com/maltedev/proxy-probe/internal/storage"
	"github.com/maltedev/proxy-probe/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize probe", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	reports, err := storage.NewReportStore(cfg.Report.Dir)
	if err != nil {
		logger.Error("failed to open report store", "error", err)
		os.Exit(1)
	}

	runOpts := []runs.Option{runs.WithArchive(reports)}
	apiOpts := []api.Option{api.WithReports(reports)}

	if cfg.Database.Enabled {
		db, err := database.New(ctx, database.Config{
			DSN:      cfg.Database.DSN(),
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}

		components.Deps.Sink = database.NewProbeStore(db)
		runOpts = append(runOpts, runs.WithPublisher(events.NewPublisher(db, logger)))

		if cfg.Redis.Enabled {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Error("failed to connect to Redis", "error", err)
				os.Exit(1)
			}

			relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
				PollInterval: cfg.Redis.RelayInterval,
				BatchSize:    cfg.Redis.RelayBatch,
			})
			apiOpts = append(apiOpts, api.WithOutbox(relay))

			go func() {
				if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("relay stopped with error", "error", err)
				}
			}()
		}
	}

	manager := runs.NewManager(components.Pool, components.Orchestrator, components.Deps, logger, runOpts...)
	go manager.StartWorker(ctx)

	handlers := api.NewHandlers(manager, components.Pool, components.Classifier, logger, apiOpts...)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting",
		"addr", server.Addr,
		"proxies", components.Pool.Size(),
		"variant", cfg.Probe.Variant)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
