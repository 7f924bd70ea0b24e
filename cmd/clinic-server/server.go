package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/config"
	"github.com/dentalclinic/billing/internal/domain/billing"
	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/domain/odontogram"
	"github.com/dentalclinic/billing/internal/platform/auth"
	"github.com/dentalclinic/billing/internal/platform/db"
	"github.com/dentalclinic/billing/internal/platform/idempotency"
	"github.com/dentalclinic/billing/internal/platform/middleware"
	"github.com/dentalclinic/billing/internal/platform/validation"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newIdempotencyStore returns a Redis-backed store when redisURL is set and
// a process-local one otherwise. The returned close func is never nil.
func newIdempotencyStore(ctx context.Context, redisURL string) (idempotency.Store, func() error, error) {
	if redisURL == "" {
		return idempotency.NewMemoryStore(), func() error { return nil }, nil
	}
	rdb, err := idempotency.NewRedis(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return idempotency.NewRedisStore(rdb), rdb.Close, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

// newEcho builds the HTTP stack. Everything under /api/v1 is authenticated
// and runs on the caller's clinic schema.
func newEcho(cfg *config.Config, pool *pgxpool.Pool, store idempotency.Store, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID", idempotency.HeaderKey},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))

	apiV1 := e.Group("/api/v1")

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(db.ClinicMiddleware(pool, cfg.DefaultClinic))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(middleware.Audit(logger, nil))

	// Fiscal sequences
	tx := db.NewTxRunner(pool)
	fiscalRepo := fiscal.NewRepoPG(pool)
	fiscalSvc := fiscal.NewService(fiscalRepo, tx)
	fiscalSvc.SetThreshold(cfg.FiscalSwitchThreshold)
	fiscalSvc.SetLogger(logger.With().Str("component", "fiscal").Logger())
	fiscal.NewHandler(fiscalSvc).RegisterRoutes(apiV1)

	// Invoices and payments
	invoiceRepo := billing.NewInvoiceRepoPG(pool)
	alloc := fiscal.NewAllocator(fiscalRepo, invoiceRepo)
	alloc.SetThreshold(cfg.FiscalSwitchThreshold)
	alloc.SetLogger(logger.With().Str("component", "fiscal").Logger())

	billingSvc := billing.NewService(invoiceRepo, billing.NewPaymentRepoPG(pool), odontogram.NewRepoPG(pool), alloc, tx)
	billingSvc.SetLogger(logger.With().Str("component", "billing").Logger())
	clinic := billing.ClinicInfo{Name: cfg.ClinicName, TaxID: cfg.ClinicTaxID, Address: cfg.ClinicAddress}
	billing.NewHandler(billingSvc, clinic,
		idempotency.Middleware(store, cfg.IdempotencyTTL, logger),
	).RegisterRoutes(apiV1)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	return e
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
	logger = newLogger(cfg.Env)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Idempotency keys
	store, closeStore, err := newIdempotencyStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeStore()
	if cfg.RedisURL == "" && !cfg.IsDev() {
		logger.Warn().Msg("REDIS_URL not set; idempotency keys are kept in process memory")
	}

	e := newEcho(cfg, pool, store, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
