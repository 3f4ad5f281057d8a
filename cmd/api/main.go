// Package main is the entry point for the exposure-service — the backend
// for anonymous STI exposure notification: report intake, chain fanout,
// notification delivery and retention.
//
// Dependencies:
//   - Postgres: users, interactions, notifications, reports, rateLimits
//   - NATS: consumes reports.created and SYSTEM_EVENTS.cron.*, publishes both
//   - Vault: PG_URL, NATS_URL, TOKEN_SECRET, FCM_SERVER_KEY
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/auth"
	"github.com/veilhealth/exposure-service/internal/chain"
	"github.com/veilhealth/exposure-service/internal/config"
	"github.com/veilhealth/exposure-service/internal/consumer"
	"github.com/veilhealth/exposure-service/internal/events"
	"github.com/veilhealth/exposure-service/internal/handler"
	"github.com/veilhealth/exposure-service/internal/natsclient"
	"github.com/veilhealth/exposure-service/internal/push"
	"github.com/veilhealth/exposure-service/internal/ratelimit"
	"github.com/veilhealth/exposure-service/internal/report"
	"github.com/veilhealth/exposure-service/internal/retention"
	"github.com/veilhealth/exposure-service/internal/scheduler"
	"github.com/veilhealth/exposure-service/internal/store/postgres"
	"github.com/veilhealth/exposure-service/internal/telemetry"
	"github.com/veilhealth/exposure-service/internal/user"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "exposure-service", otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}

		mp, err := telemetry.InitMeterProvider(context.Background(), "exposure-service", otelEndpoint)
		if err != nil {
			logger.Error("OTel meter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Fatal("metric instrument registration failed", zap.Error(err))
	}

	// ── Vault Secret Loading ───────────────────────────────────────────────
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://localhost:8200"
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/veilhealth/exposure-service"
	}

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}

	pgURL, err := config.String(secrets, "PG_URL")
	if err != nil {
		logger.Fatal("bad secret", zap.Error(err))
	}
	natsURL, err := config.String(secrets, "NATS_URL")
	if err != nil {
		logger.Fatal("bad secret", zap.Error(err))
	}
	tokenSecret, err := config.String(secrets, "TOKEN_SECRET")
	if err != nil {
		logger.Fatal("bad secret", zap.Error(err))
	}
	fcmServerKey, err := config.String(secrets, "FCM_SERVER_KEY")
	if err != nil {
		logger.Fatal("bad secret", zap.Error(err))
	}

	// ── Postgres ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		logger.Fatal("bad PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()

	st := postgres.New(pool)
	if err := st.InitSchema(context.Background()); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}
	logger.Info("Postgres connected")

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	logger.Info("NATS JetStream ready")

	// ── Services ───────────────────────────────────────────────────────────
	sender := push.NewFCMSender(fcmServerKey, logger)
	prop := chain.NewPropagator(st, sender, logger)
	publisher := events.NewPublisher(natsClient, logger)
	reportSvc := report.NewService(st, sender, prop, publisher, logger)
	userSvc := user.NewService(st, logger)
	limiter := ratelimit.New(st, logger)
	issuer := auth.NewTokenIssuer(tokenSecret, 0)
	sweeper := retention.NewSweeper(st, logger)

	// ── NATS Consumers ─────────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	reportConsumer := consumer.NewReportConsumer(natsClient, reportSvc, metrics, logger)
	if err := reportConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("report consumer start failed", zap.Error(err))
	}
	tickConsumer := consumer.NewTickConsumer(natsClient, st, reportSvc, sweeper, logger)
	if err := tickConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("tick consumer start failed", zap.Error(err))
	}

	// ── Cron Scheduler ─────────────────────────────────────────────────────
	cronScheduler := scheduler.NewCronScheduler(natsClient, logger)
	if err := cronScheduler.Start(); err != nil {
		logger.Fatal("cron scheduler start failed", zap.Error(err))
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("exposure-service"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(handler.IdentityMiddleware(issuer))

	handler.NewReportHandler(reportSvc, limiter, issuer).Register(e)
	handler.NewUserHandler(userSvc).Register(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	go func() {
		logger.Info("exposure-service listening", zap.String("addr", httpAddr))
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	consumerCancel()
	cronScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("exposure-service shut down cleanly")
}
