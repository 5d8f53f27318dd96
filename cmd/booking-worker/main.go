// The booking-worker runs the booking platform's background machinery:
// the sweep scheduler, the realtime hub, and the operational HTTP
// surface (health, metrics, websocket).
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/findrhealth/booking-platform/internal/booking"
	appconfig "github.com/findrhealth/booking-platform/internal/config"
	"github.com/findrhealth/booking-platform/internal/events"
	"github.com/findrhealth/booking-platform/internal/notify"
	"github.com/findrhealth/booking-platform/internal/observability"
	"github.com/findrhealth/booking-platform/internal/payments"
	"github.com/findrhealth/booking-platform/internal/provider"
	"github.com/findrhealth/booking-platform/internal/realtime"
	"github.com/findrhealth/booking-platform/internal/scheduler"
	"github.com/findrhealth/booking-platform/internal/slotreserve"
	"github.com/findrhealth/booking-platform/internal/sweeper"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	redisOpts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.New(registry)

	repo := booking.NewRepository(pool)
	eventStore := events.NewStore(pool)
	recorder := events.NewRecorder(eventStore, logger).
		WithFailureHook(metrics.RecordEventLogFailure)
	slots := slotreserve.NewStore(rdb, cfg.SlotHoldTTL, logger)
	directory := provider.NewDirectory(pool, logger)
	hub := realtime.NewHub(logger, metrics)

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Error("payment gateway config", "error", err)
		os.Exit(1)
	}
	orchestrator := payments.NewOrchestrator(gateway, logger)

	dispatcher := notify.NewDispatcher(
		buildSender(ctx, cfg, logger),
		notify.NewPGResolver(pool),
		cfg.SupportEmail,
		logger,
	)

	svc := booking.NewService(repo, slots, orchestrator, recorder, booking.ServiceOpts{
		Notifier:           dispatcher,
		Broadcaster:        hub,
		Accounts:           directory,
		Discipline:         directory,
		Metrics:            metrics,
		Logger:             logger,
		ConfirmationWindow: cfg.ConfirmationWindow,
		FinalRetryWindow:   cfg.FinalRetryWindow,
	})

	jobs := sweeper.New(repo, svc, slots, directory, metrics, sweeper.Config{
		BatchLimit:        cfg.SweepBatchLimit,
		WarnWindow:        cfg.ExpiryWarningWindow,
		AutoCompleteAfter: cfg.AutoCompleteAfter,
		RatePerSec:        cfg.SweepRatePerSec,
	}, logger)

	runner := scheduler.NewRunner([]scheduler.Job{
		{Name: "expire_pending", Interval: cfg.ExpireSweepInterval, Run: batch(jobs.ExpirePending)},
		{Name: "warn_expiring", Interval: cfg.WarnSweepInterval, Run: batch(jobs.WarnExpiring)},
		{Name: "auto_complete", Interval: cfg.CompleteSweepInterval, Run: batch(jobs.AutoComplete)},
		{Name: "retry_final_payments", Interval: cfg.RetrySweepInterval, Run: batch(jobs.RetryFinalPayments)},
		{Name: "clean_reservations", Interval: cfg.SlotSweepInterval, Run: batch(jobs.CleanReservations)},
		{Name: "recompute_provider_stats", Interval: cfg.StatsSweepInterval, Run: batch(jobs.RecomputeProviderStats)},
	}, logger)
	runner.Start(ctx)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Handle("/ws", hub)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("booking worker listening", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}

	logger.Info("shutting down booking worker...")
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	_ = hub.Shutdown(shutdownCtx)
	logger.Info("booking worker stopped")
}

func batch(fn func(context.Context) (sweeper.BatchResult, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

func buildGateway(cfg *appconfig.Config, logger *logging.Logger) (payments.Gateway, error) {
	if cfg.StripeAPIKey != "" {
		return payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeBaseURL, logger), nil
	}
	if cfg.AllowFakePayments {
		logger.Warn("using fake payment gateway")
		return payments.NewFakeGateway(), nil
	}
	return nil, errMissingGateway
}

var errMissingGateway = &configError{"STRIPE_SECRET_KEY is required unless ALLOW_FAKE_PAYMENTS=true"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func buildSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	if cfg.SendGridAPIKey != "" {
		return notify.NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridFromEmail, cfg.SendGridFromName)
	}
	if cfg.SESRegion != "" && cfg.SESFromEmail != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESRegion))
		if err != nil {
			logger.Error("ses config failed, falling back to log sender", "error", err)
			return notify.NewLogSender(logger)
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), cfg.SESFromEmail)
	}
	return notify.NewLogSender(logger)
}
