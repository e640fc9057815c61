package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/shuttle-tracker/internal/app"
	"github.com/example/shuttle-tracker/internal/config"
	"github.com/example/shuttle-tracker/internal/ingest"
	"github.com/example/shuttle-tracker/internal/logging"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/store"
	"github.com/example/shuttle-tracker/internal/tracker"
	"github.com/example/shuttle-tracker/internal/workflow"
)

var (
	samplesConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_consumed_total",
		Help: "Total position samples consumed",
	})
	samplesInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_invalid_total",
		Help: "Total samples rejected by decoding or validation",
	})
	samplesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_applied_total",
		Help: "Total samples applied to a sharing session",
	})
	samplesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_failed_total",
		Help: "Total samples that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(samplesConsumed, samplesInvalid, samplesApplied, samplesFailed)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadConsumerConfig()
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
	if cfg.KafkaEventsTopic != "" {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer func() { _ = producer.Close() }()
		pub = producer
	}
	svc := app.NewTracker(st, cfg.Tracking, pub, logger)
	registry := workflow.NewRegistry(svc, app.WorkflowConfig(cfg.Tracking), func(ev workflow.Event) {
		logger.Info("session event", "type", ev.Type, "bus_id", ev.BusID, "user_id", ev.UserID, "state", ev.State.String(), "error", ev.Err)
	}, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("closing sessions", "error", err)
		}
	}()

	go serveHealth(metricsAddr, st, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaSamplesTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", cfg.KafkaSamplesTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		samplesConsumed.Inc()

		smp, err := ingest.DecodeSample(m.Value)
		if err != nil {
			samplesInvalid.Inc()
			logger.Warn("invalid sample", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, registry, smp, cfg.MaxRetries+1, cfg.RetryBackoff); err != nil {
			if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrOutsideGeofence) || errors.Is(err, workflow.ErrInvalidTransition) {
				samplesInvalid.Inc()
				logger.Info("sample rejected", "bus_id", smp.BusID, "user_id", smp.UserID, "type", smp.Type, "error", err)
				continue
			}
			samplesFailed.Inc()
			logger.Error("sample apply failed", "bus_id", smp.BusID, "user_id", smp.UserID, "type", smp.Type, "error", err)
			continue
		}
		samplesApplied.Inc()
	}
}

func serveHealth(addr string, st store.Store, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// SampleApplier is the part of the session registry the consumer drives.
type SampleApplier interface {
	Apply(ctx context.Context, smp models.PositionSample) error
}

// applyWithRetry retries store failures with doubling delay. Any other error
// is final.
func applyWithRetry(ctx context.Context, a SampleApplier, smp models.PositionSample, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = a.Apply(ctx, smp)
		if err == nil || !errors.Is(err, models.ErrStore) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
