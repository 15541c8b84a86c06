package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/EduOpsSolutions/payrecon/internal/config"
	"github.com/EduOpsSolutions/payrecon/internal/engine"
	"github.com/EduOpsSolutions/payrecon/internal/gateway"
	"github.com/EduOpsSolutions/payrecon/internal/handler"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
	"github.com/EduOpsSolutions/payrecon/internal/middleware"
	"github.com/EduOpsSolutions/payrecon/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("payrecon-api", cfg.LogLevel, cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := connectDB(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	paymentRepo := repository.NewPaymentRepository(db)
	eventRepo := repository.NewGatewayEventRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	gw := gateway.NewClient(gateway.Options{
		BaseURL:       cfg.GatewayBaseURL,
		SecretKey:     cfg.GatewaySecretKey,
		WebhookSecret: cfg.GatewayWebhookSecret,
		Timeout:       time.Duration(cfg.GatewayTimeoutS) * time.Second,
		MaxRetries:    cfg.GatewayMaxRetries,
		MethodsTTL:    time.Duration(cfg.MethodsCacheTTLS) * time.Second,
	})

	eng := engine.New(paymentRepo, gw)

	scheduler := engine.NewScheduler(eng, paymentRepo, engine.SchedulerConfig{
		Interval:    time.Duration(cfg.SyncIntervalS) * time.Second,
		StaleAfter:  time.Duration(cfg.SyncStaleAfterS) * time.Second,
		OrphanAfter: time.Duration(cfg.SyncOrphanAfterS) * time.Second,
		Workers:     cfg.SyncWorkers,
		MaxAttempts: cfg.SyncMaxAttempts,
		BatchSize:   cfg.SyncBatchSize,
	}, slog.Default())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()

	paymentHandler := handler.NewPaymentHandler(eng, paymentRepo, scheduler, gw)
	webhookHandler := handler.NewWebhookHandler(gw, eventRepo, eng)
	healthHandler := handler.NewHealthHandler(db)

	authn := middleware.Auth(cfg.JWTSecret)
	idempotent := middleware.Idempotency(idempotencyRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)

	// Webhooks authenticate by signature, not bearer token.
	mux.HandleFunc("POST /api/v1/webhooks/gateway", webhookHandler.Receive)

	mux.Handle("POST /api/v1/payments", authn(idempotent(http.HandlerFunc(paymentHandler.Create))))
	mux.Handle("GET /api/v1/payments", authn(http.HandlerFunc(paymentHandler.List)))
	mux.Handle("GET /api/v1/payments/{id}", authn(http.HandlerFunc(paymentHandler.Get)))
	mux.Handle("POST /api/v1/payments/{id}/cancel", authn(http.HandlerFunc(paymentHandler.Cancel)))
	mux.Handle("GET /api/v1/payment-methods", authn(http.HandlerFunc(paymentHandler.ListMethods)))

	operator := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireOperator(h))
	}
	mux.Handle("POST /api/v1/payments/manual", operator(paymentHandler.RecordManual))
	mux.Handle("POST /api/v1/payments/{id}/sync", operator(paymentHandler.ForceSync))
	mux.Handle("POST /api/v1/sync", operator(paymentHandler.TriggerSync))
	mux.Handle("GET /api/v1/payments/orphaned", operator(paymentHandler.ListOrphaned))

	chain := middleware.Tracing(middleware.Logging(middleware.Recovery(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	cancel()
	wg.Wait()
	slog.Info("server stopped")
}

func connectDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pool := repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}

	var lastErr error
	for i := range 30 {
		db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, pool)
		if err == nil {
			return db, nil
		}
		lastErr = err
		slog.Info("waiting for database", "attempt", i+1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", lastErr)
}
