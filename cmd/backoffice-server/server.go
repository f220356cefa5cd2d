package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/internal/config"
	"github.com/carepoint/backoffice/internal/domain/labreport"
	"github.com/carepoint/backoffice/internal/platform/auth"
	"github.com/carepoint/backoffice/internal/platform/cache"
	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/internal/platform/events"
	"github.com/carepoint/backoffice/internal/platform/hl7v2"
	"github.com/carepoint/backoffice/internal/platform/metrics"
	"github.com/carepoint/backoffice/internal/platform/middleware"
	"github.com/carepoint/backoffice/internal/platform/notification"
	"github.com/carepoint/backoffice/internal/platform/reporting"
	"github.com/carepoint/backoffice/internal/platform/webhook"
	"github.com/carepoint/backoffice/internal/platform/websocket"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// redisWindowLimit converts a per-second rate into the request budget of one
// fixed window.
func redisWindowLimit(rps float64, window time.Duration) int {
	n := int(rps * window.Seconds())
	if n < 1 {
		n = 1
	}
	return n
}

// skipTimeout exempts the scrape and health endpoints from the request deadline.
func skipTimeout(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/metrics" || strings.HasPrefix(p, "/health")
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in DEVELOPMENT mode: every request without a bearer token is treated as admin")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		HealthCheckPeriod: 30 * time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Check{}
	m := metrics.New(cfg.RuntimeMetrics)

	// Interpretation engine
	opts, err := interpreterOptions(cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load lab tables")
	}
	interp := labinterp.New(opts...)
	m.TrackCriticalParameters(interp.Tables())

	svc := labreport.NewService(
		labreport.NewReportRepoPG(pool),
		labreport.NewPatientRepoPG(pool),
		labreport.NewAnalysisRepoPG(pool),
		interp,
	)
	svc.SetLogger(logger.With().Str("component", "labreport").Logger())

	// Redis: assessment cache and shared rate limiting
	var limiter middleware.Limiter = middleware.NewMemoryLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		assessments := cache.NewRedisCache(redisClient,
			cache.WithPrefix("backoffice:"),
			cache.WithDefaultTTL(cfg.AssessmentCacheTTL),
		)
		svc.SetCache(assessments, cfg.AssessmentCacheTTL)
		checks["redis"] = assessments.Ping
		limiter = middleware.NewRedisLimiter(redisClient, redisWindowLimit(cfg.RateLimitRPS, cfg.RateLimitWindow), cfg.RateLimitWindow)
		logger.Info().Msg("redis cache and rate limiter enabled")
	}

	// Kafka: push notifications and audit trail
	logSender := notification.NewLogSender(logger.With().Str("component", "notification").Logger())
	var push notification.PushSender = logSender
	var auditRecorder middleware.AuditRecorder
	if cfg.KafkaEnabled() {
		pushProducer, err := events.NewProducer(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaPushTopic}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create push producer")
		}
		defer pushProducer.Close()
		push = notification.NewEventPushSender(pushProducer)
		checks["kafka"] = pushProducer.Ping

		if cfg.KafkaAuditTopic != "" {
			auditProducer, err := events.NewProducer(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAuditTopic, Acks: "all"}, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to create audit producer")
			}
			defer auditProducer.Close()
			auditRecorder = middleware.PublishAudit(auditProducer)
		}
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("kafka publishing enabled")
	}

	// Notifications
	notifier := notification.NewManager(logSender, logSender, push, notification.NewTemplateEngine())
	notifier.OnDelivery(m.ObserveNotification)

	// Webhooks: signed critical-value callbacks to tenant-registered endpoints
	hooks := webhook.NewManager(webhook.NewMemoryStore(),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
		webhook.WithLogger(logger.With().Str("component", "webhook").Logger()),
	)
	defer hooks.Wait()

	// Live dashboards
	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())

	svc.SetNotifier(
		notification.NewCriticalValueNotifier(notifier, cfg.OnCallRecipient, logger),
		hooks,
		hub,
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, skipTimeout))
	e.Use(m.Middleware())
	e.Use(middleware.Audit(logger, auditRecorder))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks))
	e.GET("/metrics", m.Handler())

	// API group
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		var signingKey []byte
		if cfg.AuthSigningKey != "" {
			signingKey = []byte(cfg.AuthSigningKey)
		}
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(limiter, cfg.RateLimitRPS))

	labreport.NewHandler(svc).RegisterRoutes(apiV1)

	clinicalGroup := apiV1.Group("", auth.RequireRole("admin", "physician", "nurse"))
	notification.NewHandler(notifier).RegisterRoutes(clinicalGroup)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(clinicalGroup)

	adminGroup := apiV1.Group("", auth.RequireRole("admin"))
	webhook.NewHandler(hooks).RegisterRoutes(adminGroup)

	reporting.NewHandler(pool).RegisterRoutes(apiV1)

	intakeGroup := apiV1.Group("", auth.RequireRole("admin", "lab_tech"))
	hl7v2.NewHandler(svc).RegisterRoutes(intakeGroup)

	// HL7v2 MLLP listener (optional, started when MLLP_ADDR is set)
	if cfg.MLLPAddr != "" {
		mllpLogger := logger.With().Str("component", "mllp").Logger()
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, hl7v2.NewLabHandler(svc, mllpLogger), hl7v2.WithMLLPLogger(mllpLogger))
		if err := mllpServer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("MLLP server failed")
		}
		defer mllpServer.Stop()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
