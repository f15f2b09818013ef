package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-hr/internal/app"
	"github.com/odyssey-erp/odyssey-hr/internal/auth"
	"github.com/odyssey-erp/odyssey-hr/internal/observability"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
	"github.com/odyssey-erp/odyssey-hr/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/roles"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
	"github.com/odyssey-erp/odyssey-hr/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	store := cache.NewRedisStore(redisClient, "odyssey")

	metrics := observability.NewMetrics()

	securityLog := security.NewLog(logger, security.Options{
		Buffer:   cfg.SecurityLogBuffer,
		Observer: metrics,
	}, security.NewPGSink(dbpool), security.NewSlogSink(logger))
	defer func() {
		if err := securityLog.Close(); err != nil {
			logger.Warn("security log close", slog.Any("error", err))
		}
	}()

	limiter := ratelimit.New(store, ratelimit.Config{BaseWait: cfg.RateLimitBaseWait, Observer: metrics}, logger)

	sessionManager := shared.NewSessionManager(redisClient, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	sessions := session.ContextProvider{Manager: sessionManager}

	tenantRepo := tenant.NewRepository(dbpool)
	validator := session.NewValidator(store, sessions, session.ValidatorConfig{
		RefreshLead: cfg.SessionRefreshLead,
		Orgs:        tenantRepo,
		Recorder:    securityLog,
	}, logger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	guard := tenant.NewGuard(sessions, tenantRepo, securityLog, jobClient, logger)
	guard.UseFingerprints(validator)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo, limiter, securityLog, auth.LoginPolicy{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
	}, logger)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, validator)

	rbacRepo := rbac.NewRepository(dbpool, logger)
	resolver := rbac.NewResolver(rbacRepo, rbacRepo, rbac.ResolverConfig{
		CacheSize: cfg.PermissionCacheSize,
		CacheTTL:  cfg.PermissionCacheTTL,
	}, logger)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	authority := roles.NewAuthority(roles.NewRepository(dbpool), resolver, guard, limiter, securityLog, roles.Config{
		MaxAttempts:     cfg.AssignMaxAttempts,
		Window:          cfg.AssignWindow,
		BulkConcurrency: cfg.BulkAssignConcurrency,
	}, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	sessionHandler := session.NewHandler(logger, validator, sessions, cfg.SessionMonitorInterval)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Users:          authService,
		RBACMiddleware: rbacMiddleware,
		Fingerprints:   validator,
		AuthHandler:    authHandler,
		SessionHandler: sessionHandler,
		RolesHandler:   roles.NewHandler(logger, authority, rbacMiddleware, shared.NewIdempotencyStore(dbpool)),
		AccessHandler:  rbac.NewAccessHandler(resolver, logger),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:        cfg.AppAddr,
		Handler:     router,
		ReadTimeout: cfg.AppReadTimeout,
		// WriteTimeout stays unset: /session/watch streams for the session lifetime.
	}
	server.RegisterOnShutdown(sessionHandler.Close)

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
