package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/shuttle-tracker/internal/app"
	"github.com/example/shuttle-tracker/internal/config"
	"github.com/example/shuttle-tracker/internal/dispatch"
	httpapi "github.com/example/shuttle-tracker/internal/http"
	"github.com/example/shuttle-tracker/internal/ingest"
	"github.com/example/shuttle-tracker/internal/logging"
	"github.com/example/shuttle-tracker/internal/proximity"
	"github.com/example/shuttle-tracker/internal/tracker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store unavailable", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	var pub tracker.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer func() { _ = producer.Close() }()
		pub = producer
		logger.Info("publishing events", "topic", cfg.KafkaEventsTopic, "brokers", cfg.KafkaBrokers)
	}
	svc := app.NewTracker(st, cfg.Tracking, pub, logger)

	ws := dispatch.NewWSRegistry(logger)
	var fallback proximity.Sink
	if cfg.Proximity.FCMEndpoint != "" {
		fallback = dispatch.NewFCMSink(cfg.Proximity.FCMEndpoint, cfg.Proximity.FCMKey)
	}
	watcher := proximity.NewWatcher(svc.Shares, dispatch.NewPushDispatcher(ws, fallback), logger)
	watcher.ThresholdMeters = cfg.Proximity.ThresholdMeters
	watcher.Cooldown = cfg.Proximity.Cooldown
	defer watcher.Close()

	handler := httpapi.NewServer(httpapi.Deps{
		Tracker:   svc,
		Proximity: watcher,
		Store:     st,
		WS:        ws,
		Workflow:  app.WorkflowConfig(cfg.Tracking),
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shuttle-tracker listening", "addr", cfg.HTTPAddr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}
}
