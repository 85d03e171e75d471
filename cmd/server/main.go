// Package main is the entry point for billingwatch's always-on service:
// webhook ingestion, identity resolution, entitlement projection, and
// the detection engine, all in one process.
//
// @title        Billingwatch
// @version      1.0
// @description  Subscription billing observability: webhook ingestion, entitlement projection, and anomaly detection across Stripe, Apple, Google Play, and Recurly.
// @host         localhost:8080
// @BasePath     /
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/billingwatch/internal/access"
	"github.com/arc-self/billingwatch/internal/alert"
	"github.com/arc-self/billingwatch/internal/detect"
	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/entitlement"
	"github.com/arc-self/billingwatch/internal/health"
	"github.com/arc-self/billingwatch/internal/identity"
	"github.com/arc-self/billingwatch/internal/ingest"
	"github.com/arc-self/billingwatch/internal/issue"
	"github.com/arc-self/billingwatch/internal/normalizer"
	"github.com/arc-self/billingwatch/internal/platform/config"
	"github.com/arc-self/billingwatch/internal/platform/dbtx"
	"github.com/arc-self/billingwatch/internal/platform/httpctx"
	"github.com/arc-self/billingwatch/internal/platform/logging"
	"github.com/arc-self/billingwatch/internal/platform/natsbus"
	"github.com/arc-self/billingwatch/internal/platform/telemetry"
	"github.com/arc-self/billingwatch/internal/readapi"
	"github.com/arc-self/billingwatch/internal/store"
	"github.com/arc-self/billingwatch/internal/store/postgres"
)

// exit codes: 0 clean shutdown, 1 startup failure, 2 migration drift
// detected at boot.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitMigrationDrift = 2
)

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		shutdownTracer, err := telemetry.InitTracerProvider(context.Background(), "billingwatch", otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer shutdownTracer(context.Background())
		}
		shutdownMeter, err := telemetry.InitMeterProvider(context.Background(), "billingwatch", otelEndpoint)
		if err != nil {
			logger.Error("OTel meter init failed", zap.Error(err))
		} else {
			defer shutdownMeter(context.Background())
		}
	}

	// ── Vault secrets ──────────────────────────────────────────────────────
	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/billingwatch")

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}
	pgURL := secretString(secrets, "PG_URL")
	natsURL := secretString(secrets, "NATS_URL")
	redisURL := secretString(secrets, "REDIS_URL")
	stripeAPIKey := secretString(secrets, "STRIPE_API_KEY")
	googlePlayPackage := secretString(secrets, "GOOGLE_PLAY_PACKAGE_NAME")

	settings := config.Load()

	// ── Postgres + migrations ──────────────────────────────────────────────
	ctx := context.Background()
	pool, err := dbtx.NewPool(ctx, pgURL)
	if err != nil {
		logger.Error("Postgres connection failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	defer pool.Close()

	if err := store.Migrate(pgURL); err != nil {
		logger.Error("migration drift detected at startup", zap.Error(err))
		os.Exit(exitMigrationDrift)
	}
	logger.Info("postgres connected, schema up to date")

	db := postgres.New(pool)

	// ── Redis (access-check cache) ───────────────────────────────────────
	var redisClient *redis.Client
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("bad REDIS_URL", zap.Error(err))
			os.Exit(exitStartupFailure)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}

	// ── NATS JetStream ───────────────────────────────────────────────────
	natsClient, err := natsbus.NewClient(natsURL, logger)
	if err != nil {
		logger.Error("NATS connection failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	defer natsClient.Close()
	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Error("NATS stream provisioning failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	logger.Info("NATS JetStream ready")

	// ── Normalizer registry (fixed list) ────────────────────
	registry := normalizer.NewRegistry(
		normalizer.NewStripeNormalizer(stripeAPIKey),
		normalizer.NewAppleNormalizer(),
		normalizer.NewRecurlyNormalizer(),
		normalizer.NewGooglePlayNormalizer(googlePlayPackage),
	)

	// ── Service layer ──────────────────────────────────────────────────────
	resolver := identity.NewResolver(db, logger)
	projector := entitlement.NewProjector(db, logger)
	dispatcher := alert.NewDispatcher(db, logger)
	issueSvc := issue.NewService(db)

	engine := detect.NewEngine(db, settings, logger,
		[]detect.SyncDetector{
			detect.UnrevokedRefundDetector{},
		},
		[]detect.ScheduledDetector{
			detect.WebhookGapDetector{},
			detect.DataFreshnessDetector{},
			detect.RenewalAnomalyDetector{},
			detect.DuplicateBillingDetector{},
			detect.PaidButNoAccessDetector{},
		},
	)
	onIssueChange := func(ctx context.Context, iss domain.Issue, previous domain.IssueState) {
		dispatcher.HandleIssue(ctx, iss, previous)
		if err := natsClient.PublishIssueEvent(ctx, iss); err != nil {
			logger.Warn("publish issue event failed", zap.Error(err))
		}
	}
	engine.OnIssue(onIssueChange)
	issueSvc.OnChange(onIssueChange)

	pipeline := ingest.NewPipeline(db, registry, resolver, projector, engine, natsClient, logger)
	pipeline.SetAccessReplayer(access.Replayer{Store: db, Log: logger})
	workerPool := ingest.NewWorkerPool(db, pipeline, logger, partitionCount(), queueSize())
	workerPool.Start(ctx)
	workerPool.StartRetrySweep(ctx)

	if err := engine.StartScheduled(ctx); err != nil {
		logger.Error("detection engine scheduling failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	graceSweepCtx, graceSweepCancel := context.WithCancel(context.Background())
	defer graceSweepCancel()
	go runGraceSweep(graceSweepCtx, projector, settings.DetectorScanInterval, logger)

	// ── HTTP server ──────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("billingwatch"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
		}
		if !natsClient.Conn.IsConnected() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "nats unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	ingest.NewHandler(db, workerPool, logger).Register(e)

	e.Use(httpctx.OrgIDMiddleware)
	access.NewHandler(db, redisClient, logger).Register(e)
	issue.NewHandler(issueSvc).Register(e)
	health.NewHandler(db).Register(e)
	readapi.NewHandler(db).Register(e)

	go func() {
		logger.Info("billingwatch listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	graceSweepCancel()
	engine.StopScheduled(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	logger.Info("billingwatch shut down cleanly")
	os.Exit(exitOK)
}

// runGraceSweep periodically runs the entitlement projector's lazy
// grace_period/past_due sweep on the same cadence as the
// detection engine's scheduled scan, since both walk the same
// time-window-driven "is this row stale" check.
func runGraceSweep(ctx context.Context, projector *entitlement.Projector, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := projector.SweepGrace(ctx)
			if err != nil {
				log.Error("entitlement grace sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("entitlement grace sweep transitioned rows", zap.Int("count", n))
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func secretString(secrets map[string]interface{}, key string) string {
	v, _ := secrets[key].(string)
	return v
}

func partitionCount() int {
	if n, err := strconv.Atoi(os.Getenv("BILLINGWATCH_PARTITION_COUNT")); err == nil && n > 0 {
		return n
	}
	return 8
}

func queueSize() int {
	if n, err := strconv.Atoi(os.Getenv("BILLINGWATCH_QUEUE_SIZE")); err == nil && n > 0 {
		return n
	}
	return 256
}
